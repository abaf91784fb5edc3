package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/core"
)

func TestEncodeIsSortedAndCounted(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n, err := EncodeCollection(&buf, map[string]int{"b": 2, "a": 1, "c|1": 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf.String() != `{"a":1,"b":2,"c|1":3}` {
		t.Fatalf("unexpected document %s", buf.String())
	}
	if n != int64(buf.Len()) {
		t.Fatalf("byte count %d differs from %d", n, buf.Len())
	}
}

func TestEncodeEmptyCollection(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if _, err := EncodeCollection(&buf, map[string]api.Project{}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMap[api.Project](&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %d", len(got))
	}
}

func TestMarkingsRoundTrip(t *testing.T) {
	t.Parallel()

	in := map[string]api.MarkingData{
		"0|0": {TaggedClassIDs: []string{"hasTrees"}, BoxMarkings: []api.BoxMarking{{ClassID: "tree", First: [2]float64{42, 42}, Second: [2]float64{24, 24}}}},
		"0|1": {TaggedClassIDs: []string{}, BoxMarkings: []api.BoxMarking{}},
	}
	var buf bytes.Buffer
	if _, err := EncodeCollection(&buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var order []string
	err := DecodeCollection(&buf, func(key string, value api.MarkingData) error {
		order = append(order, key)
		if key == "0|0" && value.BoxMarkings[0].First != [2]float64{42, 42} {
			t.Fatalf("unexpected box %+v", value.BoxMarkings[0])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(order, ",") != "0|0,0|1" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestDecodeErrorsWrapDecodeFailure(t *testing.T) {
	t.Parallel()

	for name, doc := range map[string]string{
		"not object": `[1,2]`,
		"truncated":  `{"0":{"title":"x"`,
		"bad value":  `{"0":"nope"}`,
		"empty":      ``,
		"trailing":   `{"0":{"title":"x"}} {}`,
		"garbage":    `{}x`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMap[api.Project](strings.NewReader(doc))
			if !errors.Is(err, core.ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestVisitErrorStopsDecoding(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	calls := 0
	err := DecodeCollection(strings.NewReader(`{"a":1,"b":2}`), func(string, int) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected stop after one call, got %v after %d", err, calls)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestEncodeWriteErrorIsIOFailure(t *testing.T) {
	t.Parallel()

	if _, err := EncodeCollection(failingWriter{}, map[string]int{"a": 1}); !errors.Is(err, core.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}
