package adapters

import (
	"context"

	"github.com/deep-memory/server/internal/domain"
)

// DegradedVectorStore stands in for a VectorStore that failed to dial at
// startup under non-strict MIGRATIONS_STRICT: every call returns Err so
// callers see a consistent, non-panicking failure instead of a nil
// pointer, and health/readyz probes surface the original dial error.
type DegradedVectorStore struct {
	Err error
}

func (d DegradedVectorStore) Upsert(context.Context, domain.Memory, []float64) error { return d.Err }
func (d DegradedVectorStore) Search(context.Context, string, []float64, int, float64) ([]VectorHit, error) {
	return nil, d.Err
}
func (d DegradedVectorStore) DeleteBySession(context.Context, string, string) (int, error) {
	return 0, d.Err
}
func (d DegradedVectorStore) DeleteByIDs(context.Context, string, []string) (int, error) {
	return 0, d.Err
}
func (d DegradedVectorStore) Ping(context.Context) error  { return d.Err }
func (d DegradedVectorStore) Close(context.Context) error { return nil }

// DegradedGraphStore is DegradedVectorStore's GraphStore counterpart.
type DegradedGraphStore struct {
	Err error
}

func (d DegradedGraphStore) UpsertSession(context.Context, string, string) (domain.Session, error) {
	return domain.Session{}, d.Err
}
func (d DegradedGraphStore) MarkSessionIngested(context.Context, domain.Session) error { return d.Err }
func (d DegradedGraphStore) UpsertTopic(context.Context, string, domain.Topic) error   { return d.Err }
func (d DegradedGraphStore) UpsertEntity(context.Context, string, domain.Entity) error { return d.Err }
func (d DegradedGraphStore) UpsertEvent(context.Context, string, domain.Event) error   { return d.Err }
func (d DegradedGraphStore) UpsertMemory(context.Context, string, domain.Memory) error { return d.Err }
func (d DegradedGraphStore) LinkMemoryToSession(context.Context, string, string, string) error {
	return d.Err
}
func (d DegradedGraphStore) LinkMemoryToTopic(context.Context, string, string, string) error {
	return d.Err
}
func (d DegradedGraphStore) LinkMemoryToEntity(context.Context, string, string, string, string) error {
	return d.Err
}
func (d DegradedGraphStore) LinkRelated(context.Context, string, string, string, float64) error {
	return d.Err
}
func (d DegradedGraphStore) QueryRelated(context.Context, string, []string, []string, int) ([]GraphHit, error) {
	return nil, d.Err
}
func (d DegradedGraphStore) DeleteBySession(context.Context, string, string) (int, error) {
	return 0, d.Err
}
func (d DegradedGraphStore) DeleteByIDs(context.Context, string, []string) (int, error) {
	return 0, d.Err
}
func (d DegradedGraphStore) Ping(context.Context) error  { return d.Err }
func (d DegradedGraphStore) Close(context.Context) error { return nil }
