/*
Package cutover switches live traffic from the old unit set to the new one.

Two strategies are supported. Direct cutover relies on the new units having
taken over the old network identity at deploy time, so committing is a
reverse proxy reload. Blue-green cutover is a single compare-and-swap of
the active-slot pointer followed by a reload; the superseded slot keeps its
units for a grace period, preserving an instant-revert option.
*/
package cutover
