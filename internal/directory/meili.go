package directory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

const (
	idxContacts  = "draftsync_contacts"
	reindexBatch = 10000
)

// contactRecord is the data we index for a contact.
type contactRecord struct {
	ID              string `json:"id"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	HebrewFirstName string `json:"hebrewFirstName"`
	HebrewLastName  string `json:"hebrewLastName"`
	Email           string `json:"email"`
}

// Meili searches contacts via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

// NewMeili creates a Meilisearch client and configures the contacts index.
// An unreachable server is not an error; Healthy reports false until the
// health loop sees it come back.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger,
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("directory: meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxContacts,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("directory: create index (may already exist)", "index", idxContacts, "error", err)
	}
	searchable := []string{"hebrewFirstName", "hebrewLastName", "firstName", "lastName", "email"}
	if _, err := m.client.Index(idxContacts).UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("directory: update searchable attrs", "index", idxContacts, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("directory: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q string, limit int) ([]store.Contact, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxContacts,
			Query:    q,
			Limit:    int64(limit),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var contacts []store.Contact
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			contacts = append(contacts, hitToContact(hit))
		}
	}
	return contacts, nil
}

func hitToContact(hit meili.Hit) store.Contact {
	return store.Contact{
		ID:              decodeString(hit, "id"),
		FirstName:       decodeString(hit, "firstName"),
		LastName:        decodeString(hit, "lastName"),
		HebrewFirstName: decodeString(hit, "hebrewFirstName"),
		HebrewLastName:  decodeString(hit, "hebrewLastName"),
		Email:           decodeString(hit, "email"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexContacts adds or updates contacts in the index.
func (m *Meili) IndexContacts(contacts []store.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	records := make([]contactRecord, 0, len(contacts))
	for _, c := range contacts {
		records = append(records, contactRecord{
			ID:              c.ID,
			FirstName:       c.FirstName,
			LastName:        c.LastName,
			HebrewFirstName: c.HebrewFirstName,
			HebrewLastName:  c.HebrewLastName,
			Email:           c.Email,
		})
	}
	_, err := m.client.Index(idxContacts).AddDocuments(records, nil)
	return err
}
