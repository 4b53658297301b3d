package sh

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/suntower/pkg/env"
	"github.com/robotalks/suntower/pkg/msgs"
	"github.com/robotalks/suntower/pkg/network/mqtt"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoConnect bool

	Shell    *ishell.Shell
	Config   *env.Config
	Encoding msgs.Encoding
	Queue    *mqtt.Queue
	Dir      Directory
	Conn     *Conn
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "

	dialTimeout = 5 * time.Second
	// discoverWait lets retained announcements arrive.
	discoverWait = 500 * time.Millisecond
)

var (
	// flags

	evalOnly   bool
	outputJSON bool

	// commands
	commands = []*ishell.Cmd{
		&DiscoverCmd,
		&ConnectCmd,
		&DisconnectCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *env.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Encoding, _ = msgs.EncodingByName(conf.Network.Encoding)
	if s.Encoding == nil {
		s.Encoding = msgs.JSON
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Conn == nil {
			c.Err(fmt.Errorf("not connected"))
			return
		}
		fn(c)
	}
}

// FormatAck renders an ack for display.
func FormatAck(ack *msgs.Ack) string {
	if ack.Result == msgs.AckOK {
		return "OK"
	}
	if ack.Message != "" {
		return fmt.Sprintf("%s: %s", ack.Result, ack.Message)
	}
	return ack.Result
}

// FormatTelemetry renders telemetry for display.
func FormatTelemetry(tm *msgs.Telemetry) string {
	var w bytes.Buffer
	fmt.Fprintf(&w, "%s az=%.2f el=%.2f", tm.Timestamp.Format(time.RFC3339), tm.Azimuth, tm.Elevation)
	if tm.TargetAzimuth != tm.Azimuth || tm.TargetElevation != tm.Elevation {
		fmt.Fprintf(&w, " -> az=%.2f el=%.2f", tm.TargetAzimuth, tm.TargetElevation)
	}
	fmt.Fprintf(&w, " motion=%s", tm.MotionState)
	if tm.MotionFault != "" {
		fmt.Fprintf(&w, "(%s)", tm.MotionFault)
	}
	fmt.Fprintf(&w, " temp=%.1fC rh=%.1f%%", tm.Temperature, tm.Humidity)
	if !tm.SensorsHealthy {
		w.WriteString(" sensors=unhealthy")
	}
	fmt.Fprintf(&w, " fw=%s update=%s", tm.FirmwareVersion, tm.UpdateState)
	if tm.UpdateTarget != "" && tm.UpdateTarget != tm.FirmwareVersion {
		fmt.Fprintf(&w, "(%s %.0f%%)", tm.UpdateTarget, tm.UpdateProgress*100)
	}
	if tm.UpdateReason != "" {
		fmt.Fprintf(&w, " reason=%q", tm.UpdateReason)
	}
	if tm.Dropped > 0 {
		fmt.Fprintf(&w, " dropped=%d", tm.Dropped)
	}
	return w.String()
}

// DoCommand runs a command and waits for the ack.
func DoCommand(c *ishell.Context, cmd *msgs.Command) (*msgs.Ack, error) {
	s := ShellFrom(c)
	if s.Conn == nil {
		err := fmt.Errorf("not connected")
		c.Err(err)
		return nil, err
	}
	ack, err := s.Conn.Do(cmd)
	if err != nil {
		c.Err(err)
		return nil, err
	}
	if s.OutputJSON {
		out, err := ack.Encode()
		if err != nil {
			c.Err(err)
			return ack, err
		}
		c.Println(string(out))
		return ack, nil
	}
	c.Println(FormatAck(ack))
	return ack, nil
}

// PrintTelemetry decodes and prints a telemetry payload.
func PrintTelemetry(c *ishell.Context, payload []byte) {
	s := ShellFrom(c)
	var tm msgs.Telemetry
	if err := s.Encoding.Unmarshal(payload, &tm); err != nil {
		c.Err(fmt.Errorf("decode telemetry: %v", err))
		return
	}
	if s.OutputJSON {
		out, err := json.Marshal(&tm)
		if err != nil {
			c.Err(err)
			return
		}
		c.Println(string(out))
		return
	}
	c.Println(FormatTelemetry(&tm))
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}

// Dial connects the broker once and starts collecting announcements.
func (s *Shell) Dial() error {
	if s.Queue != nil {
		return nil
	}
	q, err := mqtt.NewQueueFromURL(s.Config.MQTTBrokerURL)
	if err != nil {
		return err
	}
	q.Sub("+/meta", func(topic string, payload []byte) {
		var meta mqtt.Meta
		if json.Unmarshal(payload, &meta) == nil {
			s.Dir.Update(topic, meta)
		}
	})
	token := q.Connect()
	if !token.WaitTimeout(dialTimeout) {
		q.Close()
		return fmt.Errorf("connect %s: timeout", s.Config.MQTTBrokerURL)
	}
	if err := token.Error(); err != nil {
		return err
	}
	s.Queue = q
	return nil
}

// DiscoverTowers lists the towers which announced themselves.
func (s *Shell) DiscoverTowers() ([]string, error) {
	if s.Queue == nil {
		if err := s.Dial(); err != nil {
			return nil, err
		}
		time.Sleep(discoverWait)
	}
	return s.Dir.Towers(), nil
}

// SelectTower discovers towers and asks for a choice.
func (s *Shell) SelectTower() (string, error) {
	ids, err := s.DiscoverTowers()
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("no tower discovered")
	case 1:
		return ids[0], nil
	}
	if !s.Interactive {
		return "", fmt.Errorf("more than 1 towers discovered in non-interactive mode")
	}
	items := make([]string, len(ids))
	for n, id := range ids {
		meta, _ := s.Dir.Meta(id)
		items[n] = FormatTower(id, meta)
	}
	return ids[s.Shell.MultiChoice(items, "Which one to connect?")], nil
}

// Connect selects the tower with id.
func (s *Shell) Connect(id string) error {
	if err := s.Dial(); err != nil {
		return err
	}
	s.Disconnect()
	s.Conn = NewConn(s.Queue, id)
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", id))
	return nil
}

// Disconnect forgets the current tower.
func (s *Shell) Disconnect() {
	if s.Conn != nil {
		s.Conn.Close()
		s.Conn = nil
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoConnect && s.Config.DeviceID != "" {
		if s.Interactive {
			s.Shell.Printf("Connecting %s ...\n", s.Config.DeviceID)
		}
		if err := s.Connect(s.Config.DeviceID); err != nil {
			log.Fatalf("connect %q failed: %v", s.Config.DeviceID, err)
		}
	}

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// DiscoverCmd lists announced towers.
	DiscoverCmd = ishell.Cmd{
		Name:    "discover",
		Aliases: []string{"list", "l"},
		Help:    "",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			ids, err := s.DiscoverTowers()
			if err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				towers := make(map[string]mqtt.Meta, len(ids))
				for _, id := range ids {
					towers[id], _ = s.Dir.Meta(id)
				}
				out, err := json.Marshal(towers)
				if err != nil {
					c.Err(err)
					return
				}
				c.Println(string(out))
				return
			}
			if len(ids) == 0 {
				c.Println("No towers found")
				return
			}
			for _, id := range ids {
				meta, _ := s.Dir.Meta(id)
				c.Println(FormatTower(id, meta))
			}
		},
	}

	// ConnectCmd selects a tower.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[ID]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			var id string
			if len(c.Args) > 0 {
				id = c.Args[0]
			} else {
				var err error
				if id, err = s.SelectTower(); err != nil {
					c.Err(err)
					return
				}
			}
			if err := s.Connect(id); err != nil {
				c.Err(err)
			}
		},
	}

	// DisconnectCmd forgets the current tower.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(env.NewConfig()).WithAutoConnect(true).Run(flag.Args()...)
}
