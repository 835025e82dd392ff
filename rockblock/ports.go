package rockblock

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ListPorts enumerates candidate serial devices for the modem and keeps the
// ones that actually open. Used when no device is configured.
func ListPorts() []string {
	var candidates []string

	switch runtime.GOOS {
	case "windows":
		for i := 1; i <= 256; i++ {
			candidates = append(candidates, fmt.Sprintf("COM%d", i))
		}
	case "darwin":
		candidates, _ = filepath.Glob("/dev/tty.*")
	default:
		candidates, _ = filepath.Glob("/dev/tty[A-Za-z]*")
	}
	sort.Strings(candidates)

	mode := &serial.Mode{BaudRate: 19200}
	var result []string
	for _, c := range candidates {
		port, err := serial.Open(c, mode)
		if err != nil {
			continue
		}
		port.Close()
		result = append(result, c)
	}

	log.Debugf("rockblock: found %d candidate serial ports", len(result))
	return result
}
