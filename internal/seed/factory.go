// Package seed generates demo gateway traffic. Payloads use the Evolution
// webhook shapes and go through the same normalizer and reconciler as real
// deliveries. Intended for development and testing only.
package seed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Options controls how much traffic is generated.
type Options struct {
	Conversations int
	MessagesPer   int
	Instance      string
	// Seed makes the generated traffic reproducible. Zero seeds from the clock.
	Seed int64
	// Start is the timestamp of the first message. Zero means one day ago.
	Start time.Time
}

func (o Options) withDefaults() Options {
	if o.Conversations <= 0 {
		o.Conversations = 5
	}
	if o.MessagesPer <= 0 {
		o.MessagesPer = 8
	}
	if o.Instance == "" {
		o.Instance = "demo"
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.Start.IsZero() {
		o.Start = time.Now().Add(-24 * time.Hour)
	}
	return o
}

// Contact is a generated WhatsApp peer.
type Contact struct {
	Number string
	Name   string
}

// JID is the contact's routing address.
func (c Contact) JID() string {
	return c.Number + "@s.whatsapp.net"
}

// Factory builds webhook payloads.
type Factory struct {
	faker *gofakeit.Faker
	opts  Options
}

// NewFactory creates a Factory. The same Options.Seed yields the same traffic.
func NewFactory(opts Options) *Factory {
	opts = opts.withDefaults()
	return &Factory{faker: gofakeit.New(opts.Seed), opts: opts}
}

// Options returns the effective options.
func (f *Factory) Options() Options { return f.opts }

// Contact returns a Brazilian mobile number with a display name.
func (f *Factory) Contact() Contact {
	ddd := f.faker.Number(11, 99)
	line := f.faker.Number(0, 99999999)
	return Contact{
		Number: fmt.Sprintf("55%d9%08d", ddd, line),
		Name:   f.faker.FirstName() + " " + f.faker.LastName(),
	}
}

// MessageID returns an id shaped like the ones WhatsApp clients generate.
func (f *Factory) MessageID() string {
	return "3EB0" + strings.ToUpper(strings.ReplaceAll(f.faker.UUID(), "-", "")[:16])
}

func (f *Factory) envelope(event string, data map[string]interface{}) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"event":    event,
		"instance": f.opts.Instance,
		"data":     data,
	})
	return raw
}

func (f *Factory) upsert(c Contact, id string, fromMe bool, ts time.Time, message map[string]interface{}) []byte {
	data := map[string]interface{}{
		"key": map[string]interface{}{
			"remoteJid": c.JID(),
			"fromMe":    fromMe,
			"id":        id,
		},
		"message":          message,
		"messageTimestamp": ts.Unix(),
	}
	if !fromMe {
		data["pushName"] = c.Name
	}
	return f.envelope("messages.upsert", data)
}

// Text is a plain text message.
func (f *Factory) Text(c Contact, id string, fromMe bool, ts time.Time) []byte {
	return f.upsert(c, id, fromMe, ts, map[string]interface{}{
		"conversation": f.faker.Sentence(f.faker.Number(3, 12)),
	})
}

// Reply quotes quotedID.
func (f *Factory) Reply(c Contact, id, quotedID string, fromMe bool, ts time.Time) []byte {
	return f.upsert(c, id, fromMe, ts, map[string]interface{}{
		"extendedTextMessage": map[string]interface{}{
			"text":        f.faker.Sentence(f.faker.Number(2, 8)),
			"contextInfo": map[string]interface{}{"stanzaId": quotedID},
		},
	})
}

// Image references a remote picture.
func (f *Factory) Image(c Contact, id string, fromMe bool, ts time.Time) []byte {
	return f.upsert(c, id, fromMe, ts, map[string]interface{}{
		"imageMessage": map[string]interface{}{
			"url":      fmt.Sprintf("https://picsum.photos/seed/%s/800/600", f.faker.UUID()),
			"mimetype": "image/jpeg",
			"caption":  f.faker.Sentence(3),
		},
	})
}

// Location is a pinned location.
func (f *Factory) Location(c Contact, id string, fromMe bool, ts time.Time) []byte {
	return f.upsert(c, id, fromMe, ts, map[string]interface{}{
		"locationMessage": map[string]interface{}{
			"degreesLatitude":  f.faker.Latitude(),
			"degreesLongitude": f.faker.Longitude(),
			"name":             f.faker.Company(),
			"address":          f.faker.Street() + ", " + f.faker.City(),
		},
	})
}

// Reaction reacts to targetID.
func (f *Factory) Reaction(c Contact, id, targetID string, fromMe bool, ts time.Time) []byte {
	return f.upsert(c, id, fromMe, ts, map[string]interface{}{
		"reactionMessage": map[string]interface{}{
			"key":  map[string]interface{}{"id": targetID},
			"text": f.faker.Emoji(),
		},
	})
}

// Status reports a delivery status for an outbound message.
func (f *Factory) Status(c Contact, id, status string) []byte {
	return f.envelope("messages.update", map[string]interface{}{
		"keyId":     id,
		"remoteJid": c.JID(),
		"fromMe":    true,
		"status":    status,
	})
}

// Conversation returns the traffic of one chat in delivery order: inbound
// and outbound messages, statuses for the outbound ones and the occasional
// reply or reaction.
func (f *Factory) Conversation(c Contact, start time.Time) [][]byte {
	var (
		payloads [][]byte
		lastIn   string
		ts       = start
	)
	for i := 0; i < f.opts.MessagesPer; i++ {
		ts = ts.Add(time.Duration(f.faker.Number(5, 900)) * time.Second)
		id := f.MessageID()
		fromMe := i%3 == 2

		switch {
		case fromMe && lastIn != "" && f.faker.Bool():
			payloads = append(payloads, f.Reply(c, id, lastIn, true, ts))
		case !fromMe && f.faker.Number(1, 10) == 1:
			payloads = append(payloads, f.Image(c, id, false, ts))
		case !fromMe && f.faker.Number(1, 15) == 1:
			payloads = append(payloads, f.Location(c, id, false, ts))
		default:
			payloads = append(payloads, f.Text(c, id, fromMe, ts))
		}

		if fromMe {
			payloads = append(payloads, f.Status(c, id, "DELIVERY_ACK"))
			if f.faker.Bool() {
				payloads = append(payloads, f.Status(c, id, "READ"))
			}
			continue
		}
		lastIn = id
	}
	if lastIn != "" {
		ts = ts.Add(time.Minute)
		payloads = append(payloads, f.Reaction(c, f.MessageID(), lastIn, true, ts))
	}
	return payloads
}
