package directory

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Idosegev23/internalMettingLeaders/internal/store"
	"github.com/Idosegev23/internalMettingLeaders/internal/util"
)

type contactWriter interface {
	UpsertContact(context.Context, store.Contact) (store.Contact, error)
}

type ImportResult struct {
	Imported int
	Skipped  int
}

// Import reads contacts from a CSV export with a header row and the columns
// first name, last name, hebrew first name, hebrew last name, email. Rows
// without an email are skipped. Existing contacts are matched by email.
func Import(ctx context.Context, r io.Reader, dst contactWriter) (ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	var result ImportResult
	header := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("read contacts csv: %w", err)
		}
		if header {
			header = false
			continue
		}

		contact := contactFromRecord(record)
		if contact.Email == "" {
			result.Skipped++
			continue
		}
		if _, err := dst.UpsertContact(ctx, contact); err != nil {
			return result, fmt.Errorf("import %s: %w", contact.Email, err)
		}
		result.Imported++
	}
}

func contactFromRecord(record []string) store.Contact {
	col := func(i int) string {
		if i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	return store.Contact{
		ID:              util.NewID("cnt"),
		FirstName:       col(0),
		LastName:        col(1),
		HebrewFirstName: col(2),
		HebrewLastName:  col(3),
		Email:           strings.ToLower(col(4)),
	}
}
