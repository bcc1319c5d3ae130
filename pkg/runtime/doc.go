/*
Package runtime wraps containerd behind the ContainerRuntime interface the
orchestrator drives: list, create, start, stop, remove and inspect workload
units, tag images for backups, and exec migration commands.

Units live in the "capstan" containerd namespace and carry capstan.target,
capstan.spec and capstan.slot labels so a target's units can be recovered
from the runtime alone, without consulting the store.
*/
package runtime
