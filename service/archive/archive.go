// Package archive exports journal segments as newline-delimited JSON, either to a
// writer or to an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/brojonat/charityledger/service/ledger"
	"github.com/google/uuid"
)

// ContentType of exported segments.
const ContentType = "application/x-ndjson"

// ErrEmptySegment is returned when there are no events to export.
var ErrEmptySegment = errors.New("no events to export")

// ObjectPutter is the subset of the S3 client used by the exporter.
// This allows for easy mocking in tests.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Segment describes one exported object.
type Segment struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
	Events   int    `json:"events"`
	Bytes    int    `json:"bytes"`
}

// Exporter uploads journal segments to a bucket.
type Exporter struct {
	bucket string
	prefix string
	client ObjectPutter
	logger *slog.Logger
	now    func() time.Time
}

// NewS3Exporter creates an exporter using the default AWS credential chain.
func NewS3Exporter(ctx context.Context, bucket, region string, logger *slog.Logger) (*Exporter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewExporter(s3.NewFromConfig(cfg), bucket, logger), nil
}

// NewExporter creates an exporter around an existing client.
func NewExporter(client ObjectPutter, bucket string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		bucket: bucket,
		prefix: "journal",
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// Export uploads events as a single object. Events must be in seq order.
func (e *Exporter) Export(ctx context.Context, events []ledger.Event) (Segment, error) {
	if len(events) == 0 {
		return Segment{}, ErrEmptySegment
	}

	var buf bytes.Buffer
	if err := WriteNDJSON(&buf, events); err != nil {
		return Segment{}, err
	}

	seg := Segment{
		Bucket:   e.bucket,
		Key:      e.key(events[0].Seq, events[len(events)-1].Seq),
		FirstSeq: events[0].Seq,
		LastSeq:  events[len(events)-1].Seq,
		Events:   len(events),
		Bytes:    buf.Len(),
	}

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(seg.Key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(ContentType),
		ContentLength: aws.Int64(int64(buf.Len())),
		Metadata: map[string]string{
			"first-seq": fmt.Sprint(seg.FirstSeq),
			"last-seq":  fmt.Sprint(seg.LastSeq),
		},
	})
	if err != nil {
		return Segment{}, fmt.Errorf("failed to upload %s: %w", seg.Key, err)
	}

	e.logger.InfoContext(ctx, "journal segment exported",
		"bucket", seg.Bucket,
		"key", seg.Key,
		"first_seq", seg.FirstSeq,
		"last_seq", seg.LastSeq,
		"events", seg.Events,
	)
	return seg, nil
}

// key is journal/YYYY/MM/DD/<first>-<last>-<uuid>.ndjson. The uuid keeps repeated
// exports of the same range from overwriting each other.
func (e *Exporter) key(first, last uint64) string {
	day := e.now().UTC().Format("2006/01/02")
	return path.Join(e.prefix, day, fmt.Sprintf("%012d-%012d-%s.ndjson", first, last, uuid.NewString()))
}

// WriteNDJSON writes one JSON event per line.
func WriteNDJSON(w io.Writer, events []ledger.Event) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("failed to encode event %d: %w", ev.Seq, err)
		}
	}
	return nil
}

// ReadNDJSON parses a segment written by WriteNDJSON.
func ReadNDJSON(r io.Reader) ([]ledger.Event, error) {
	dec := json.NewDecoder(r)
	var events []ledger.Event
	for {
		var ev ledger.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, fmt.Errorf("failed to decode event after seq %d: %w", lastSeq(events), err)
		}
		events = append(events, ev)
	}
}

func lastSeq(events []ledger.Event) uint64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Seq
}
