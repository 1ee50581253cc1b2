// Package archive reads the zip artifacts the scraper works from: the
// observation exports produced by the export stage and the taxonomy Darwin
// Core archive. It also downloads such artifacts to disk.
package archive
