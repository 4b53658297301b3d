package env

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
)

// MachineID retrieves the unique ID identifying the machine. The
// hostname is used when the platform has no machine id.
func MachineID() string {
	id, err := machineid.ProtectedID("suntower")
	if err == nil {
		return id
	}
	glog.Warningf("machine id unavailable: %v", err)
	host, err := os.Hostname()
	if err != nil {
		panic(err)
	}
	return host
}
