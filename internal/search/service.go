package search

import "log"

// Engine is a search backend that can also maintain its own index.
type Engine interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to the
// relational scan. The write path keeps the primary index in step with the
// store: index on create and edit, delete on trash and permanent delete.
type Service struct {
	primary  Engine
	fallback Searcher
}

// NewService creates a search service. primary may be nil when Meilisearch
// is not configured; fallback is always required.
func NewService(primary Engine, fallback Searcher) *Service {
	return &Service{primary: primary, fallback: fallback}
}

// Search tries the primary engine if healthy, otherwise uses the fallback.
func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: primary engine error, falling back: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage pushes a message into the primary index, fire-and-forget.
func (s *Service) IndexMessage(rec MessageRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.IndexMessage(rec); err != nil {
			log.Printf("search: index message %s: %v", rec.ID, err)
		}
	}()
}

// DeleteMessage removes a message from the primary index, fire-and-forget.
// Called when a message is trashed or permanently deleted so that hidden
// content never resurfaces through search.
func (s *Service) DeleteMessage(id string) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.DeleteMessage(id); err != nil {
			log.Printf("search: delete message %s: %v", id, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
