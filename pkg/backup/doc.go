/*
Package backup captures and restores a target's recoverable state: tagged
workload images, archived volume contents, the configuration tree and a
logical database dump.

A backup is assembled in a hidden staging directory and renamed into place
only after its metadata record is written, so a backup is either complete
and restorable or it is invisible, never partial. Metadata presence is the
completion signal; List skips anything without it. Cleanup removes metadata
and artifacts together by renaming the backup directory out of view before
deleting it.
*/
package backup
