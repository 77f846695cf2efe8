package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// The on-disk credentials document:
//
//	{
//	  "version": 1,
//	  "accounts": {
//	    "<name>": {"accessToken": "...", "refreshToken": "...", "expiresAt": <ms>}
//	  }
//	}
//
// Account order in the document is significant: it fixes the round-robin
// order of the pool and is preserved across load/serialize round trips.

const accountsDocumentVersion = 1

var accountNameRE = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// accountCredentials is one entry of the accounts mapping.
type accountCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// credentialRecord pairs a name with its credentials, in document order.
type credentialRecord struct {
	Name string
	accountCredentials
}

// docHash identifies the exact serialized content of a credentials document.
// The watcher uses it to recognize the proxy's own writes.
type docHash [sha256.Size]byte

func hashDocument(data []byte) docHash {
	return sha256.Sum256(data)
}

// credentialsStore reads and writes the credentials document. Each operation
// opens the file, acts, and closes; the file is never held open.
type credentialsStore struct {
	path string
	log  zerolog.Logger
}

func newCredentialsStore(path string, log zerolog.Logger) *credentialsStore {
	return &credentialsStore{path: path, log: log.With().Str("component", "credentials").Logger()}
}

// Load reads and validates the document. On any error the caller's current
// pool must be left untouched.
func (s *credentialsStore) Load() ([]credentialRecord, docHash, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, docHash{}, err
	}
	records, err := parseCredentials(data)
	if err != nil {
		return nil, docHash{}, fmt.Errorf("%s: %w", s.path, err)
	}
	for _, rec := range records {
		s.warnOddTokenShape(rec)
	}
	return records, hashDocument(data), nil
}

// Write serializes the records and atomically replaces the document:
// sibling temp file, fsync, rename. Mode is owner read/write only.
func (s *credentialsStore) Write(records []credentialRecord) (docHash, error) {
	data, err := serializeCredentials(records)
	if err != nil {
		return docHash{}, err
	}
	if err := atomicWriteFile(s.path, data); err != nil {
		return docHash{}, err
	}
	return hashDocument(data), nil
}

// warnOddTokenShape applies prefix heuristics without enforcing them.
// Upstream tokens are opaque; a surprising shape is worth a log line, not a
// failed load.
func (s *credentialsStore) warnOddTokenShape(rec credentialRecord) {
	if !strings.HasPrefix(rec.AccessToken, "sk-ant-") {
		s.log.Debug().Str("account", rec.Name).
			Str("token", redactToken(rec.AccessToken)).
			Msg("access token has unexpected shape")
	}
	if len(rec.RefreshToken) < 20 {
		s.log.Debug().Str("account", rec.Name).Msg("refresh token is unusually short")
	}
}

// parseCredentials walks the raw JSON with a token decoder so that the
// document order of account names is retained. Unknown top-level and
// per-account fields are tolerated; duplicate names fail the whole load.
func parseCredentials(data []byte) ([]credentialRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parse credentials: document is not a JSON object")
	}

	version := -1
	var records []credentialRecord
	seen := map[string]bool{}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
		key, _ := keyTok.(string)

		switch key {
		case "version":
			if err := dec.Decode(&version); err != nil {
				return nil, fmt.Errorf("parse version: %w", err)
			}
		case "accounts":
			open, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("parse accounts: %w", err)
			}
			if d, ok := open.(json.Delim); !ok || d != '{' {
				return nil, fmt.Errorf("parse accounts: not a JSON object")
			}
			for dec.More() {
				nameTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("parse accounts: %w", err)
				}
				name, _ := nameTok.(string)
				var creds accountCredentials
				if err := dec.Decode(&creds); err != nil {
					return nil, fmt.Errorf("parse account %q: %w", name, err)
				}
				if err := validateRecord(name, creds); err != nil {
					return nil, err
				}
				if seen[name] {
					return nil, fmt.Errorf("duplicate account name %q", name)
				}
				seen[name] = true
				records = append(records, credentialRecord{Name: name, accountCredentials: creds})
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("parse accounts: %w", err)
			}
		default:
			// Forward compatibility: skip unknown top-level fields.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("parse credentials: %w", err)
			}
		}
	}

	if version != accountsDocumentVersion {
		return nil, fmt.Errorf("unsupported credentials version %d", version)
	}
	return records, nil
}

func validateRecord(name string, creds accountCredentials) error {
	if !accountNameRE.MatchString(name) {
		return fmt.Errorf("invalid account name %q", name)
	}
	if creds.AccessToken == "" {
		return fmt.Errorf("account %q: empty access token", name)
	}
	if creds.RefreshToken == "" {
		return fmt.Errorf("account %q: empty refresh token", name)
	}
	if creds.ExpiresAt <= 0 {
		return fmt.Errorf("account %q: expiresAt must be a positive millisecond timestamp", name)
	}
	return nil
}

// orderedAccounts marshals the accounts mapping in slice order, so the
// serialized document round-trips with a stable layout.
type orderedAccounts []credentialRecord

func (o orderedAccounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, rec := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(rec.Name)
		if err != nil {
			return nil, err
		}
		creds, err := json.Marshal(rec.accountCredentials)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(creds)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func serializeCredentials(records []credentialRecord) ([]byte, error) {
	doc := struct {
		Version  int             `json:"version"`
		Accounts orderedAccounts `json:"accounts"`
	}{
		Version:  accountsDocumentVersion,
		Accounts: orderedAccounts(records),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
