// Package approval implements the human-in-the-loop gate in front of step
// sign-off.  A completed step can be paused until an explicit approve or
// reject decision is recorded by a higher-privileged role; the same record
// shape doubles as the conflict ticket produced by the manual resolution
// strategy.
package approval
