// Package capture records a live stream to a file with one of a closed set of
// external tools, falling back across tools and User-Agent identities.
//
// Executors only run one attempt. The Ladder decides which attempt comes next.
package capture
