package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

const (
	pseudonymPrefix  = "anon-"
	pseudonymContext = "cdss:patient:"
	pseudonymHexLen  = 32

	defaultLedgerSize = 100000
)

var pseudonymPattern = regexp.MustCompile(`^anon-[0-9a-f]{32}$`)

// IsPseudonym reports whether value already has the pseudonym shape
func IsPseudonym(value string) bool {
	return pseudonymPattern.MatchString(value)
}

// Pseudonymizer derives stable patient pseudonyms with a keyed hash and keeps a
// bounded ledger to detect two source identifiers mapping to one pseudonym.
type Pseudonymizer struct {
	secret []byte
	derive func(patientID string) string

	mu     sync.Mutex
	ledger *lru.Cache[string, [sha256.Size]byte]
}

// NewPseudonymizer creates a pseudonymizer. An empty secret is rejected.
func NewPseudonymizer(secret []byte, ledgerSize int) (*Pseudonymizer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("pseudonym secret is required")
	}
	if ledgerSize <= 0 {
		ledgerSize = defaultLedgerSize
	}
	ledger, err := lru.New[string, [sha256.Size]byte](ledgerSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create pseudonym ledger: %w", err)
	}
	p := &Pseudonymizer{
		secret: append([]byte(nil), secret...),
		ledger: ledger,
	}
	p.derive = p.hmacPseudonym
	return p, nil
}

func (p *Pseudonymizer) hmacPseudonym(patientID string) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(pseudonymContext + patientID))
	return pseudonymPrefix + hex.EncodeToString(mac.Sum(nil))[:pseudonymHexLen]
}

// Pseudonym returns the pseudonym for patientID. Every source identifier is
// hashed, including ones that happen to look like a pseudonym.
func (p *Pseudonymizer) Pseudonym(patientID string) (string, error) {
	pseudonym := p.derive(patientID)
	fingerprint := sha256.Sum256([]byte(patientID))

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.ledger.Get(pseudonym); ok && prev != fingerprint {
		return "", domain.NewError(domain.ErrCodePseudonymCollision, "pseudonym already assigned to a different patient")
	}
	p.ledger.Add(pseudonym, fingerprint)
	return pseudonym, nil
}

// LedgerLen returns the number of pseudonyms currently tracked
func (p *Pseudonymizer) LedgerLen() int {
	return p.ledger.Len()
}
