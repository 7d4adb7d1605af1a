package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/brojonat/charityledger/service/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func testEvents() []ledger.Event {
	donor := solana.NewWallet().PublicKey()
	ts := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	return []ledger.Event{
		{Seq: 7, Kind: ledger.EventDonationReceived, Timestamp: ts, Actor: &donor, Donor: &donor, DonationID: 3, Amount: 500},
		{Seq: 8, Kind: ledger.EventMerchantRegistered, Timestamp: ts.Add(time.Minute), Actor: &donor, Merchant: &donor, BusinessName: "Bakery"},
	}
}

func TestExport(t *testing.T) {
	putter := &fakePutter{}
	exp := NewExporter(putter, "ledger-archive", slog.New(slog.NewTextHandler(io.Discard, nil)))
	exp.now = func() time.Time { return time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC) }

	events := testEvents()
	seg, err := exp.Export(context.Background(), events)
	require.NoError(t, err)

	assert.Equal(t, "ledger-archive", seg.Bucket)
	assert.Equal(t, uint64(7), seg.FirstSeq)
	assert.Equal(t, uint64(8), seg.LastSeq)
	assert.Equal(t, 2, seg.Events)
	assert.Regexp(t, regexp.MustCompile(`^journal/2026/02/03/000000000007-000000000008-[0-9a-f-]{36}\.ndjson$`), seg.Key)

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "ledger-archive", aws.ToString(in.Bucket))
	assert.Equal(t, seg.Key, aws.ToString(in.Key))
	assert.Equal(t, ContentType, aws.ToString(in.ContentType))
	assert.Equal(t, int64(seg.Bytes), aws.ToInt64(in.ContentLength))
	assert.Equal(t, "7", in.Metadata["first-seq"])

	body := putter.bodies[0]
	assert.Equal(t, 2, strings.Count(string(body), "\n"))
	decoded, err := ReadNDJSON(bytes.NewReader(body))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, events[0].Amount, decoded[0].Amount)
	assert.Equal(t, "Bakery", decoded[1].BusinessName)
}

func TestExportKeysAreUnique(t *testing.T) {
	putter := &fakePutter{}
	exp := NewExporter(putter, "b", nil)

	a, err := exp.Export(context.Background(), testEvents())
	require.NoError(t, err)
	b, err := exp.Export(context.Background(), testEvents())
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
}

func TestExportErrors(t *testing.T) {
	_, err := NewExporter(&fakePutter{}, "b", nil).Export(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptySegment)

	boom := errors.New("access denied")
	_, err = NewExporter(&fakePutter{err: boom}, "b", nil).Export(context.Background(), testEvents())
	assert.ErrorIs(t, err, boom)
}

func TestReadNDJSONRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNDJSON(&buf, testEvents()[:1]))
	buf.WriteString("{not json\n")

	_, err := ReadNDJSON(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after seq 7")
}
