// Package tower adds the tower commands to the shell.
package tower

import (
	"fmt"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/suntower/pkg/cli/sh"
	"github.com/robotalks/suntower/pkg/motion"
	"github.com/robotalks/suntower/pkg/msgs"
	"github.com/robotalks/suntower/pkg/ota"
)

// ParseTarget builds set_target from "AZ EL".
func ParseTarget(args []string) (*msgs.Command, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("AZ and EL required")
	}
	az, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("Invalid AZ: %v", err)
	}
	el, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return nil, fmt.Errorf("Invalid EL: %v", err)
	}
	return &msgs.Command{SetTarget: &msgs.SetTarget{Azimuth: az, Elevation: el}}, nil
}

// ParseUpdate builds update_firmware from "VERSION URI SIZE DIGEST".
// Values are checked here so a typo never reaches the tower.
func ParseUpdate(args []string) (*msgs.Command, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("VERSION URI SIZE DIGEST required")
	}
	v, err := ota.ParseVersion(args[0])
	if err != nil {
		return nil, fmt.Errorf("Invalid VERSION: %v", err)
	}
	size, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Invalid SIZE: %v", err)
	}
	if _, err := ota.ParseDigest(args[3]); err != nil {
		return nil, fmt.Errorf("Invalid DIGEST: %v", err)
	}
	return &msgs.Command{UpdateFirmware: &msgs.UpdateFirmware{
		Version: v.String(),
		URI:     args[1],
		Size:    size,
		Digest:  args[3],
	}}, nil
}

// defaultJogSteps is one press of the east or west button.
const defaultJogSteps = 10

// ParseJog builds jog from "AXIS STEPS", or from "east|west [STEPS]"
// which turn the azimuth toward the sunrise or the sunset.
func ParseJog(args []string) (*msgs.Command, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("AXIS required")
	}
	var axis motion.Axis
	var sign, steps int64 = 1, defaultJogSteps
	switch args[0] {
	case "east":
		sign = -1
	case "west":
	default:
		a, err := motion.ParseAxis(args[0])
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("STEPS required")
		}
		axis = a
	}
	if len(args) > 1 {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("Invalid STEPS: %q", args[1])
		}
		steps = n
	}
	return &msgs.Command{Jog: &msgs.Jog{Axis: axis.String(), Steps: sign * steps}}, nil
}

// watchTimeout bounds the wait for one message.
func watchTimeout(c *ishell.Context) time.Duration {
	if d := sh.ShellFrom(c).Config.Network.TelemetryPeriod; d > 0 {
		return 2 * d
	}
	return 20 * time.Second
}

var (
	// TargetCmd exposes set_target.
	TargetCmd = ishell.Cmd{
		Name:    "target",
		Aliases: []string{"t"},
		Help:    "AZ(degrees) EL(degrees)",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			cmd, err := ParseTarget(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			sh.DoCommand(c, cmd)
		}),
	}

	// UpdateCmd exposes update_firmware.
	UpdateCmd = ishell.Cmd{
		Name:    "update",
		Aliases: []string{"u"},
		Help:    "VERSION URI SIZE DIGEST(sha256 hex)",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			cmd, err := ParseUpdate(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			sh.DoCommand(c, cmd)
		}),
	}

	// CancelCmd exposes cancel_update.
	CancelCmd = ishell.Cmd{
		Name: "cancel",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, &msgs.Command{CancelUpdate: &msgs.CancelUpdate{}})
		}),
	}

	// ClearFaultCmd exposes clear_fault.
	ClearFaultCmd = ishell.Cmd{
		Name:    "clearfault",
		Aliases: []string{"cf"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, &msgs.Command{ClearFault: &msgs.ClearFault{}})
		}),
	}

	// HomeCmd exposes home.
	HomeCmd = ishell.Cmd{
		Name: "home",
		Help: "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCommand(c, &msgs.Command{Home: &msgs.Home{}})
		}),
	}

	// JogCmd exposes jog.
	JogCmd = ishell.Cmd{
		Name:    "jog",
		Aliases: []string{"j"},
		Help:    "AXIS(azimuth|elevation) STEPS, or east|west [STEPS]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			cmd, err := ParseJog(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			sh.DoCommand(c, cmd)
		}),
	}

	// StatusCmd asks for a status message and prints it.
	StatusCmd = ishell.Cmd{
		Name:    "status",
		Aliases: []string{"s"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			conn := sh.ShellFrom(c).Conn
			status := make(chan []byte, 1)
			stop := conn.Watch(conn.Topics.Status, func(payload []byte) {
				select {
				case status <- payload:
				default:
				}
			})
			defer stop()
			ack, err := conn.Do(&msgs.Command{GetStatus: &msgs.GetStatus{}})
			if err != nil {
				c.Err(err)
				return
			}
			if ack.Result != msgs.AckOK {
				c.Println(sh.FormatAck(ack))
				return
			}
			select {
			case payload := <-status:
				sh.PrintTelemetry(c, payload)
			case <-time.After(conn.Timeout):
				c.Err(fmt.Errorf("status timeout"))
			}
		}),
	}

	// WatchCmd prints telemetry as it is published.
	WatchCmd = ishell.Cmd{
		Name:    "watch",
		Aliases: []string{"w"},
		Help:    "[COUNT]",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			count := 10
			if len(c.Args) > 0 {
				n, err := strconv.Atoi(c.Args[0])
				if err != nil || n <= 0 {
					c.Err(fmt.Errorf("Invalid COUNT: %q", c.Args[0]))
					return
				}
				count = n
			}
			conn := sh.ShellFrom(c).Conn
			telemetry := make(chan []byte, count)
			stop := conn.Watch(conn.Topics.Telemetry, func(payload []byte) {
				select {
				case telemetry <- payload:
				default:
				}
			})
			defer stop()
			timeout := watchTimeout(c)
			for i := 0; i < count; i++ {
				select {
				case payload := <-telemetry:
					sh.PrintTelemetry(c, payload)
				case <-time.After(timeout):
					c.Err(fmt.Errorf("no telemetry in %v", timeout))
					return
				}
			}
		}),
	}
)

func init() {
	sh.AddCmds(
		&TargetCmd,
		&UpdateCmd,
		&CancelCmd,
		&ClearFaultCmd,
		&HomeCmd,
		&JogCmd,
		&StatusCmd,
		&WatchCmd,
	)
}
