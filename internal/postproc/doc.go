// Package postproc normalizes a finished capture to the show's target format
// and runs advisory quality checks on it.
package postproc
