/*
Package process supervises the single long-lived child process behind the bridge.

The Supervisor tracks a tri-state lifecycle:

	stopped --Start--> running --Stop--> stopping --> stopped
	running --child exits on its own--> stopped

A child only becomes running after surviving a short grace interval; if it
dies before then, Start returns a SpawnError and the state stays stopped.
Stop closes the child's stdin, sends SIGTERM, and sends SIGKILL if the child
is still alive after the stop timeout.

Hooks let the owner attach to the child at each step: the spawn hook is where
output should start being drained, the running hook is where requests may
start flowing, and the exit hook is where outstanding work must be failed.
*/
package process
