package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/inreelio/backend/internal/models"
)

const catalogCacheTTL = time.Hour

// PackStore is the persistence behind the pack catalog.
type PackStore interface {
	List(ctx context.Context) ([]models.Pack, error)
	Insert(ctx context.Context, p models.Pack) error
}

// Avatar is one entry of the external avatar catalog. The upstream
// serves either an array or an object keyed by id; both normalize to
// this shape.
type Avatar struct {
	ID     string         `json:"id"`
	Value  string         `json:"value,omitempty"`
	Fields map[string]any `json:"-"`
}

func (a Avatar) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Fields)+2)
	for k, v := range a.Fields {
		out[k] = v
	}
	out["id"] = a.ID
	if a.Value != "" {
		out["value"] = a.Value
	}
	return json.Marshal(out)
}

// Catalog serves the credit pack list and the avatar list, each behind
// a one-hour cache. Upstream failures serve the stale copy rather than
// an error.
type Catalog struct {
	packs      PackStore
	avatarURL  string
	httpClient *http.Client
	log        *slog.Logger

	mu            sync.Mutex
	packsCache    []models.Pack
	packsFetched  time.Time
	avatarCache   []Avatar
	avatarFetched time.Time
}

func NewCatalog(packs PackStore, avatarURL string, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		packs:      packs,
		avatarURL:  avatarURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

// Packs returns the pack list, seeding the default pack when the table
// is empty.
func (c *Catalog) Packs(ctx context.Context) ([]models.Pack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.packsCache != nil && time.Since(c.packsFetched) < catalogCacheTTL {
		return c.packsCache, nil
	}

	list, err := c.packs.List(ctx)
	if err != nil {
		if c.packsCache != nil {
			c.log.Warn("pack list failed, serving cached packs", "error", err)
			return c.packsCache, nil
		}
		return nil, err
	}
	if len(list) == 0 {
		// Concurrent seeding races resolve in the store.
		if err := c.packs.Insert(ctx, models.DefaultPack); err != nil {
			c.log.Warn("default pack seed failed", "error", err)
		}
		list = []models.Pack{models.DefaultPack}
	}
	c.packsCache = list
	c.packsFetched = time.Now()
	return list, nil
}

// Pack returns the pack with the given id, or nil when unknown.
func (c *Catalog) Pack(ctx context.Context, id string) (*models.Pack, error) {
	list, err := c.Packs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, nil
}

// Avatars returns the external avatar catalog. An unreachable upstream
// serves the cached copy, or an empty list when nothing was ever
// fetched.
func (c *Catalog) Avatars(ctx context.Context) []Avatar {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.avatarCache != nil && time.Since(c.avatarFetched) < catalogCacheTTL {
		return c.avatarCache
	}

	list, err := c.fetchAvatars(ctx)
	if err != nil {
		c.log.Warn("avatar fetch failed", "error", err)
		if c.avatarCache != nil {
			return c.avatarCache
		}
		return []Avatar{}
	}
	c.avatarCache = list
	c.avatarFetched = time.Now()
	return list
}

func (c *Catalog) fetchAvatars(ctx context.Context) ([]Avatar, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.avatarURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("avatar catalog returned status %d", resp.StatusCode)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return normalizeAvatars(raw), nil
}

// normalizeAvatars accepts either a JSON array or an object keyed by
// avatar id and flattens both into a stable list.
func normalizeAvatars(raw json.RawMessage) []Avatar {
	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err == nil {
		out := make([]Avatar, 0, len(asArray))
		for i, item := range asArray {
			if a, ok := avatarFromEntry(strconv.Itoa(i), item); ok {
				out = append(out, a)
			}
		}
		return out
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err == nil {
		out := make([]Avatar, 0, len(asObject))
		keys := make([]string, 0, len(asObject))
		for k := range asObject {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if a, ok := avatarFromEntry(k, asObject[k]); ok {
				out = append(out, a)
			}
		}
		return out
	}
	return []Avatar{}
}

func avatarFromEntry(key string, raw json.RawMessage) (Avatar, bool) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err == nil {
		if fields == nil {
			return Avatar{}, false
		}
		a := Avatar{ID: key, Fields: fields}
		if id, ok := fields["id"].(string); ok && id != "" {
			a.ID = id
		}
		delete(fields, "id")
		return a, true
	}
	var scalar any
	if err := json.Unmarshal(raw, &scalar); err != nil || scalar == nil {
		return Avatar{}, false
	}
	var value string
	switch v := scalar.(type) {
	case string:
		value = v
	case float64:
		value = strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		value = strconv.FormatBool(v)
	}
	return Avatar{ID: key, Value: value}, true
}
