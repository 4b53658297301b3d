package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/robotalks/suntower/pkg/env"
	"github.com/robotalks/suntower/pkg/msgs"
	"github.com/robotalks/suntower/pkg/network/mqtt"
)

var (
	mqttURL  = env.Defaults().MQTTBrokerURL
	encoding = "json"
)

func init() {
	if val := os.Getenv(env.EnvMQTTURL); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
	flag.StringVar(&encoding, "encoding", encoding, "Telemetry encoding: "+strings.Join(msgs.EncodingNames(), ", "))
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	enc, err := msgs.EncodingByName(encoding)
	if err != nil {
		log.Fatalln(err)
	}
	q, err := mqtt.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}

	q.Sub("#", mqtt.Handler(func(topic string, payload []byte) {
		switch topic[strings.LastIndex(topic, "/")+1:] {
		case "telemetry", "status":
			var tm msgs.Telemetry
			if err := enc.Unmarshal(payload, &tm); err != nil {
				log.Printf("%s: bad telemetry: %v", topic, err)
				return
			}
			out, _ := json.Marshal(&tm)
			log.Printf("%s: %s", topic, out)
		case "cmd":
			cmd, err := msgs.DecodeCommand(payload)
			if err != nil {
				log.Printf("%s: bad command: %v", topic, err)
				return
			}
			log.Printf("%s: [%s] id=%q %s", topic, cmd.Kind(), cmd.ID, payload)
		default:
			log.Printf("%s: %s", topic, payload)
		}
	}))
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}
	<-(chan struct{})(nil)
}
