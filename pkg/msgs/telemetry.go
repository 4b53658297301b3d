package msgs

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"

	"github.com/robotalks/suntower/pkg/state"
)

// Telemetry is the periodic and on-change status message.
type Telemetry struct {
	Timestamp       time.Time  `json:"timestamp"`
	Azimuth         float64    `json:"azimuth"`
	Elevation       float64    `json:"elevation"`
	TargetAzimuth   float64    `json:"target_azimuth"`
	TargetElevation float64    `json:"target_elevation"`
	Temperature     float64    `json:"temperature"`
	Humidity        float64    `json:"humidity"`
	Orientation     [4]float64 `json:"orientation"`
	FirmwareVersion string     `json:"firmware_version"`
	UpdateState     string     `json:"update_state"`
	UpdateTarget    string     `json:"update_target,omitempty"`
	UpdateReason    string     `json:"update_reason,omitempty"`
	UpdateFailure   string     `json:"update_failure,omitempty"`
	UpdateProgress  float64    `json:"update_progress"`
	MotionState     string     `json:"motion_state"`
	MotionFault     string     `json:"motion_fault,omitempty"`
	SensorsHealthy  bool       `json:"sensors_healthy"`
	Connected       bool       `json:"connected"`
	Dropped         uint64     `json:"dropped"`
}

// NewTelemetry renders a state snapshot. The sensor timestamp is used
// when the RTC has been read, now otherwise.
func NewTelemetry(s state.Snapshot, now time.Time) *Telemetry {
	ts := s.Sensors.Timestamp
	if ts.IsZero() {
		ts = now
	}
	q := s.Sensors.Orientation
	return &Telemetry{
		Timestamp:       ts.UTC(),
		Azimuth:         s.Motion.Current.Azimuth,
		Elevation:       s.Motion.Current.Elevation,
		TargetAzimuth:   s.Motion.Target.Azimuth,
		TargetElevation: s.Motion.Target.Elevation,
		Temperature:     s.Sensors.Temperature,
		Humidity:        s.Sensors.Humidity,
		Orientation:     [4]float64{q.W, q.X, q.Y, q.Z},
		FirmwareVersion: s.Update.RunningVersion,
		UpdateState:     s.Update.State,
		UpdateTarget:    s.Update.TargetVersion,
		UpdateReason:    s.Update.Reason,
		UpdateFailure:   s.Update.FailureKind,
		UpdateProgress:  s.Update.Progress,
		MotionState:     s.Motion.Mode,
		MotionFault:     s.Motion.Fault,
		SensorsHealthy:  s.Sensors.Healthy,
		Connected:       s.Network.Connected,
		Dropped:         s.Network.Dropped,
	}
}

// Encoding serializes telemetry on the wire.
type Encoding interface {
	Name() string
	Marshal(*Telemetry) ([]byte, error)
	Unmarshal([]byte, *Telemetry) error
}

// Encodings.
var (
	JSON  Encoding = jsonEncoding{}
	CBOR  Encoding = newCBOREncoding()
	Proto Encoding = protoEncoding{}
)

var encodings = map[string]Encoding{
	JSON.Name():  JSON,
	CBOR.Name():  CBOR,
	Proto.Name(): Proto,
}

// EncodingNames lists the known encodings.
func EncodingNames() []string {
	names := make([]string, 0, len(encodings))
	for name := range encodings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodingByName finds an Encoding, empty means JSON.
func EncodingByName(name string) (Encoding, error) {
	if name == "" {
		return JSON, nil
	}
	if e, ok := encodings[strings.ToLower(name)]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("unknown encoding %q, expect one of %v", name, EncodingNames())
}

type jsonEncoding struct{}

func (jsonEncoding) Name() string { return "json" }

func (jsonEncoding) Marshal(t *Telemetry) ([]byte, error) {
	return json.Marshal(t)
}

func (jsonEncoding) Unmarshal(data []byte, t *Telemetry) error {
	return json.Unmarshal(data, t)
}

type cborEncoding struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBOREncoding() *cborEncoding {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborEncoding{enc: enc, dec: dec}
}

func (e *cborEncoding) Name() string { return "cbor" }

func (e *cborEncoding) Marshal(t *Telemetry) ([]byte, error) {
	return e.enc.Marshal(t)
}

func (e *cborEncoding) Unmarshal(data []byte, t *Telemetry) error {
	return e.dec.Unmarshal(data, t)
}

// protoEncoding carries telemetry as a google.protobuf.Struct with the
// JSON field names, so consumers need no tower specific schema.
type protoEncoding struct{}

func (protoEncoding) Name() string { return "proto" }

func (protoEncoding) Marshal(t *Telemetry) ([]byte, error) {
	s, err := TelemetryStruct(t)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (protoEncoding) Unmarshal(data []byte, t *Telemetry) error {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return err
	}
	encoded, err := json.Marshal(structToMap(&s))
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, t)
}

// TelemetryStruct converts telemetry into a protobuf Struct.
func TelemetryStruct(t *Telemetry) (*structpb.Struct, error) {
	encoded, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, err
	}
	return mapToStruct(m), nil
}

func mapToStruct(m map[string]interface{}) *structpb.Struct {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		s.Fields[k] = toValue(v)
	}
	return s
}

func toValue(v interface{}) *structpb.Value {
	switch v := v.(type) {
	case nil:
		return &structpb.Value{Kind: &structpb.Value_NullValue{}}
	case bool:
		return &structpb.Value{Kind: &structpb.Value_BoolValue{BoolValue: v}}
	case float64:
		return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: v}}
	case string:
		return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: v}}
	case []interface{}:
		l := &structpb.ListValue{Values: make([]*structpb.Value, len(v))}
		for i, e := range v {
			l.Values[i] = toValue(e)
		}
		return &structpb.Value{Kind: &structpb.Value_ListValue{ListValue: l}}
	case map[string]interface{}:
		return &structpb.Value{Kind: &structpb.Value_StructValue{StructValue: mapToStruct(v)}}
	}
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: fmt.Sprint(v)}}
}

func structToMap(s *structpb.Struct) map[string]interface{} {
	m := make(map[string]interface{}, len(s.GetFields()))
	for k, v := range s.GetFields() {
		m[k] = fromValue(v)
	}
	return m
}

func fromValue(v *structpb.Value) interface{} {
	switch k := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return k.BoolValue
	case *structpb.Value_NumberValue:
		if math.IsNaN(k.NumberValue) || math.IsInf(k.NumberValue, 0) {
			return nil
		}
		return k.NumberValue
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_ListValue:
		l := make([]interface{}, len(k.ListValue.GetValues()))
		for i, e := range k.ListValue.GetValues() {
			l[i] = fromValue(e)
		}
		return l
	case *structpb.Value_StructValue:
		return structToMap(k.StructValue)
	}
	return nil
}
