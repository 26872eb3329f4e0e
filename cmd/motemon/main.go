package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/motelabs/mote.go/pkg/telemetry"
)

var (
	mqttURL = "mqtt://localhost:1883/mote/"
)

func init() {
	if val := os.Getenv("MOTE_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := telemetry.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}

	q.Sub("#", func(topic string, payload []byte) {
		switch {
		case strings.HasSuffix(topic, "/meta"):
			if len(payload) == 0 {
				log.Printf("%s: gone", topic)
				return
			}
			log.Printf("%s: %s", topic, string(payload))
		case strings.HasSuffix(topic, "/event"):
			var ev telemetry.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				log.Printf("%s: bad event: %v", topic, err)
				return
			}
			log.Printf("%s: [%s] %s (%s)", topic, ev.Kind, ev.Text,
				ev.At.Format(time.RFC3339))
		default:
			log.Printf("%s: %s", topic, string(payload))
		}
	})
	<-(chan struct{})(nil)
}
