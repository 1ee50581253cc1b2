// The main package for the inatscrape executable.
package main

import "github.com/JakeFAU/inat-scraper/cmd"

func main() {
	cmd.Execute()
}
