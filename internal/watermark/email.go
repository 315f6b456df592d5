package watermark

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"watermarkd/internal/commitment"
	"watermarkd/internal/pdfdoc"
	"watermarkd/internal/secretstore"
	"watermarkd/internal/security"
)

const (
	// EmailInProducerName is the registry name of the commitment method.
	EmailInProducerName = "email-in-producer"

	emailContext = "watermarkd/email-in-producer/v1:"

	// recordSep separates secret and fingerprint in a secret record. It
	// cannot occur in an accepted email address.
	recordSep = ":"

	instanceIDSize = 16
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)+$`)

// IsEmail reports whether s is an email-shaped string: a non-empty local
// part, "@", and a domain containing at least one ".".
func IsEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// Fingerprint returns the first two characters of the local part followed
// by the last two characters of the domain's first label.
func Fingerprint(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	label, _, _ := strings.Cut(domain, ".")
	return head(local, 2) + tail(label, 2)
}

func head(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func tail(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[len(s)-n:]
}

// EmailInProducer commits an email-shaped secret into the document's
// Producer entry. The secret itself is kept in a secret store record
// located by the document's changing file identifier.
type EmailInProducer struct {
	name   string
	store  *secretstore.Store
	commit *commitment.Committer
}

// NewEmailInProducer returns the method using store for secret records.
func NewEmailInProducer(store *secretstore.Store) *EmailInProducer {
	m, _ := newEmailInProducer(EmailInProducerName, emailContext, store)
	return m
}

func newEmailInProducer(name, context string, store *secretstore.Store) (*EmailInProducer, error) {
	if store == nil {
		return nil, errors.New("watermark: email-in-producer requires a secret store")
	}
	c, err := commitment.New(context)
	if err != nil {
		return nil, err
	}
	return &EmailInProducer{name: name, store: store, commit: c}, nil
}

func (m *EmailInProducer) Name() string { return m.name }

func (m *EmailInProducer) Usage() string {
	return "Commits an email-shaped secret to the document by writing " +
		"HMAC-SHA256(key, context || record) into the Producer metadata entry. " +
		"The record is kept in the server's secret store; extraction needs " +
		"both the key and that record."
}

// IsApplicable reports whether the document can be opened.
func (m *EmailInProducer) IsApplicable(doc []byte) bool {
	return pdfdoc.CanOpen(doc)
}

// Embed writes the commitment into a copy of doc and persists the secret
// record for the new document instance.
func (m *EmailInProducer) Embed(doc []byte, secret, key string, _ EmbedOptions) ([]byte, error) {
	if secret == "" || !IsEmail(secret) {
		return nil, fmt.Errorf("%w: secret must be an email address", ErrInvalidSecret)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	instance, err := security.RandomBytes(instanceIDSize)
	if err != nil {
		return nil, err
	}
	content := secret + recordSep + Fingerprint(secret)
	producer := m.commit.Commit(key, content)

	out, err := pdfdoc.Rewrite(doc, pdfdoc.Edit{Producer: &producer, InstanceID: instance})
	if err != nil {
		if errors.Is(err, pdfdoc.ErrNotPDF) {
			return nil, fmt.Errorf("%w: %v", ErrNotApplicable, err)
		}
		return nil, err
	}

	if err := m.store.Put(hex.EncodeToString(instance), content); err != nil {
		return nil, err
	}
	return out, nil
}

// Discard deletes the secret record of doc's instance.
func (m *EmailInProducer) Discard(doc []byte) error {
	meta, err := pdfdoc.Inspect(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}
	instance := meta.InstanceID()
	if instance == nil {
		return nil
	}
	return m.store.Delete(hex.EncodeToString(instance))
}

// Extract authenticates the stored record against the document's
// commitment and returns the secret it holds.
func (m *EmailInProducer) Extract(doc []byte, key string) (string, error) {
	content, err := m.ExtractRecord(doc, key)
	if err != nil {
		return "", err
	}
	secret, _, ok := strings.Cut(content, recordSep)
	if !ok {
		return "", fmt.Errorf("%w: malformed record", ErrInvalidKey)
	}
	return secret, nil
}

// ExtractRecord is like Extract but returns the authenticated record
// verbatim (secret and fingerprint).
func (m *EmailInProducer) ExtractRecord(doc []byte, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	meta, err := pdfdoc.Inspect(doc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}
	instance := meta.InstanceID()
	if instance == nil {
		return "", fmt.Errorf("%w: document carries no instance identifier", ErrSecretNotFound)
	}

	content, err := m.store.Get(hex.EncodeToString(instance))
	if err != nil {
		if errors.Is(err, secretstore.ErrNotFound) {
			return "", fmt.Errorf("%w: no record for document instance", ErrSecretNotFound)
		}
		return "", err
	}

	if !m.commit.Verify(key, content, meta.Producer) {
		return "", ErrInvalidKey
	}
	return content, nil
}
