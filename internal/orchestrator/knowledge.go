package orchestrator

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/postpilot/internal/store"
	"github.com/agentoven/postpilot/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultMaxInsights = 200

// Knowledge is the orchestrator's persistent list of CEO insights, capped
// with oldest-first eviction.
type Knowledge struct {
	mu       sync.RWMutex
	insights []models.Insight
	max      int
	snap     *store.Snapshotter
	now      func() time.Time
}

// NewKnowledge loads insights from dir/insights.json. An empty dir keeps
// them in memory only.
func NewKnowledge(dir string, maxInsights int) *Knowledge {
	if maxInsights <= 0 {
		maxInsights = defaultMaxInsights
	}
	k := &Knowledge{max: maxInsights, now: time.Now}
	path := ""
	if dir != "" {
		path = filepath.Join(dir, "insights.json")
	}
	k.snap = store.NewSnapshotter(path, 250*time.Millisecond, k.snapshotSource)
	if k.snap.Load(&k.insights) {
		if len(k.insights) > k.max {
			k.insights = k.insights[len(k.insights)-k.max:]
		}
		log.Info().Int("insights", len(k.insights)).Str("path", path).Msg("Knowledge restored")
	}
	return k
}

func (k *Knowledge) snapshotSource() interface{} {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]models.Insight, len(k.insights))
	copy(out, k.insights)
	return out
}

// Add appends one insight.
func (k *Knowledge) Add(text, source string) (*models.Insight, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("insight text is required")
	}
	if source == "" {
		source = "ceo"
	}
	in := models.Insight{
		ID:        "ins_" + uuid.Must(uuid.NewV7()).String(),
		Text:      text,
		Source:    source,
		CreatedAt: k.now().UTC(),
	}
	k.mu.Lock()
	k.insights = append(k.insights, in)
	if len(k.insights) > k.max {
		k.insights = k.insights[len(k.insights)-k.max:]
	}
	k.mu.Unlock()
	k.snap.RequestSave()
	return &in, nil
}

// Recent returns the texts of the newest n insights, oldest first.
func (k *Knowledge) Recent(n int) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	start := 0
	if n > 0 && len(k.insights) > n {
		start = len(k.insights) - n
	}
	out := make([]string, 0, len(k.insights)-start)
	for _, in := range k.insights[start:] {
		out = append(out, in.Text)
	}
	return out
}

// List returns every insight.
func (k *Knowledge) List() []models.Insight {
	return k.snapshotSource().([]models.Insight)
}

// Close flushes pending writes.
func (k *Knowledge) Close() { k.snap.Close() }
