package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
)

const (
	// StreamName is the name of the JetStream stream for ledger events.
	StreamName = "LEDGER"

	// SubjectPrefix prefixes every ledger event subject.
	SubjectPrefix = "ledger"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + ".*"

	// StreamRetention is how long messages are retained. The journal is the source of
	// truth; the stream only has to cover subscriber downtime.
	StreamRetention = 30 * 24 * time.Hour
)

// Subject returns the subject an event of the given kind is published on.
func Subject(kind ledger.EventKind) string {
	return SubjectPrefix + "." + string(kind)
}

// FilterSubject returns the subscription subject for kind, or every ledger subject
// when kind is empty.
func FilterSubject(kind string) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return StreamSubjects, nil
	}
	if !ledger.EventKind(kind).Valid() {
		return "", fmt.Errorf("unknown event kind %q", kind)
	}
	return Subject(ledger.EventKind(kind)), nil
}

// MsgID is the JetStream deduplication id of an event. Republishing the journal
// therefore never duplicates events still inside the stream's duplicate window.
func MsgID(ev ledger.Event) string {
	return fmt.Sprintf("ledger-%d", ev.Seq)
}
