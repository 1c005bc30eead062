package worker

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// ListenerFDEnvVar names the descriptor of the listening socket a supervisor
// passes to its workers
const ListenerFDEnvVar = "BALANCE_LISTENER_FD"

// InheritedListenerFD is the descriptor the supervisor uses for the socket.
// Files passed through exec.Cmd.ExtraFiles start at 3.
const InheritedListenerFD = 3

// InheritedListener returns the listener handed down by the supervisor, or
// nil when the process was started on its own
func InheritedListener() (net.Listener, error) {
	value, ok := os.LookupEnv(ListenerFDEnvVar)
	if !ok || value == "" {
		return nil, nil
	}

	fd, err := strconv.Atoi(value)
	if err != nil || fd < InheritedListenerFD {
		return nil, fmt.Errorf("invalid %s %q", ListenerFDEnvVar, value)
	}

	f := os.NewFile(uintptr(fd), "balance-listener")
	if f == nil {
		return nil, fmt.Errorf("descriptor %d is not open", fd)
	}
	defer f.Close()

	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("failed to use inherited descriptor %d as a listener: %w", fd, err)
	}
	return l, nil
}
