// Package inat defines the core types shared by the export, scrape and annotate
// stages: observation records, fetch work items, the typed error taxonomy and
// the retry policy that classifies fetch failures.
package inat
