// Package validate implements the pre-flight checks that gate a deploy
// before anything is mutated: free disk space, config-tree drift, reverse
// proxy configuration syntax and required environment variables.
package validate
