// Package main provides the entry point for the confreg CLI.
//
// confreg removes confounds from the BOLD timeseries produced by the RABIES
// preprocessing pipeline.
//
// Usage:
//
//	confreg init
//	confreg regress <rabies_out> <output_dir> --conf-list mot_6,aCompCor
//
// See --help for all available options.
package main

func main() {
	Execute()
}
