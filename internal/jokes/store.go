package jokes

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

var (
	// ErrNoJokes is returned when the resource loads but holds zero jokes
	ErrNoJokes = errors.New("no jokes available")
	// ErrResourceRead is returned when the resource is missing or unreadable
	ErrResourceRead = errors.New("jokes resource unreadable")
)

// Source opens the line-oriented jokes resource, one joke per line
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// Store reads jokes from its Source on every call, nothing is cached
type Store struct {
	src    Source
	intn   func(int) int
	tracer trace.Tracer
}

func NewStore(src Source) *Store {
	return &Store{
		src:    src,
		intn:   rand.IntN,
		tracer: otel.Tracer("linnemanlabs/jokes"),
	}
}

// Load returns every non-blank line of the resource, trimmed, in file order
func (s *Store) Load(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "jokes.load",
		trace.WithAttributes(attribute.String("jokes.source", s.src.String())),
	)
	defer span.End()

	jokes, err := s.load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("jokes.count", len(jokes)))
	return jokes, nil
}

func (s *Store) load(ctx context.Context) ([]string, error) {
	rc, err := s.src.Open(ctx)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.Mark(err, ErrResourceRead), "open %s", s.src)
	}
	defer rc.Close()

	jokes, err := Parse(rc)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.Mark(err, ErrResourceRead), "scan %s", s.src)
	}
	return jokes, nil
}

// Pick loads the resource and returns one joke chosen uniformly at random
func (s *Store) Pick(ctx context.Context) (string, error) {
	jokes, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return s.PickFrom(jokes)
}

// PickFrom chooses uniformly from an already loaded set, empty is ErrNoJokes
func (s *Store) PickFrom(jokes []string) (string, error) {
	if len(jokes) == 0 {
		return "", xerrors.WithStack(ErrNoJokes)
	}
	return jokes[s.intn(len(jokes))], nil
}

// Parse splits r into trimmed lines and drops the blank ones
func Parse(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	// some one-liners are long, allow up to 1MB per line
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	out := make([]string, 0, 64)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
