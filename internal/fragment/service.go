package fragment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/convoke/internal/guard"
	"github.com/MrWong99/convoke/internal/thread"
	"github.com/MrWong99/convoke/pkg/embeddings"
)

// defaultTopK bounds retrieval when the caller passes zero.
const defaultTopK = 5

// Service extracts fragments post-turn and retrieves them at prompt time.
type Service struct {
	store    Store
	embedder embeddings.Provider
	logger   *slog.Logger
}

// NewService wires a fragment store to an embeddings provider. Either may
// be nil, which disables persistence or retrieval respectively.
func NewService(store Store, embedder embeddings.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, embedder: embedder, logger: logger}
}

// Enabled reports whether both the store and the embedder are configured.
func (s *Service) Enabled() bool { return s != nil && s.store != nil && s.embedder != nil }

// Provenance carries the origin of a completed turn.
type Provenance struct {
	OrgID    string
	UserID   string
	ThreadID string
	Provider string
	Model    string
}

// ExtractAndPersist derives factoids from a user utterance, embeds them,
// and upserts them by content hash. scope selects the tier; shared-tier
// candidates that fail PII screening are silently demoted to private.
func (s *Service) ExtractAndPersist(ctx context.Context, prov Provenance, scope, userText string) error {
	if !s.Enabled() {
		return nil
	}
	texts := Candidates(userText)
	if len(texts) == 0 {
		return nil
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("fragment: embed candidates: %w", err)
	}
	for i, text := range texts {
		tier := TierPrivate
		if scope == TierShared && !guard.HasPII(text) {
			tier = TierShared
		}
		f := Fragment{
			ID:          uuid.NewString(),
			OrgID:       prov.OrgID,
			UserID:      prov.UserID,
			ThreadID:    prov.ThreadID,
			Text:        text,
			Tier:        tier,
			Provider:    prov.Provider,
			Model:       prov.Model,
			ContentHash: HashContent(prov.OrgID, prov.UserID, text),
			Embedding:   vecs[i],
			CreatedAt:   time.Now(),
		}
		if err := s.store.Upsert(ctx, f); err != nil {
			return fmt.Errorf("fragment: upsert: %w", err)
		}
	}
	return nil
}

// Retrieve returns the texts of the topK fragments most similar to the
// query, private tier always, shared tier when allowShared. Fragments from
// the current thread are excluded: their content is already in the turn
// buffer.
func (s *Service) Retrieve(ctx context.Context, orgID, userID, threadID, query string, topK int, allowShared bool) []string {
	if !s.Enabled() || strings.TrimSpace(query) == "" {
		return nil
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("fragment query embedding failed", "error", err)
		return nil
	}
	tiers := []string{TierPrivate}
	if allowShared {
		tiers = append(tiers, TierShared)
	}
	results, err := s.store.Search(ctx, vec, topK, Filter{
		OrgID:           orgID,
		UserID:          userID,
		Tiers:           tiers,
		ExcludeThreadID: threadID,
	})
	if err != nil {
		s.logger.Warn("fragment search failed", "error", err)
		return nil
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Fragment.Text)
	}
	return texts
}

// Candidates turns a user utterance into self-contained fragment texts.
// It reuses the profile-fact extractor so the same assertions that update a
// thread's facts also become retrievable across threads.
func Candidates(userText string) []string {
	facts := thread.ExtractFacts(userText)
	if len(facts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		switch k {
		case "name":
			out = append(out, "The user's name is "+facts[k]+".")
		case "project":
			out = append(out, "The user is working on "+facts[k]+".")
		case "role":
			out = append(out, "The user is "+facts[k]+".")
		case "location":
			out = append(out, "The user lives in "+facts[k]+".")
		}
	}
	return out
}
