package memory

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authgate.org/internal/auth"
	"authgate.org/internal/ids"
)

// Seed describes the initial contents of a development store.
type Seed struct {
	Issuers []SeedIssuer `yaml:"issuers"`
	Users   []SeedUser   `yaml:"users"`
}

type SeedIssuer struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Password   string          `yaml:"password"`
	Secret     string          `yaml:"secret"`
	Roles      []SeedRole      `yaml:"roles"`
	Procedures []SeedProcedure `yaml:"procedures"`
}

type SeedRole struct {
	Name         string        `yaml:"name"`
	MultiSession bool          `yaml:"multi_session"`
	IPLock       bool          `yaml:"ip_lock"`
	AccessTTL    time.Duration `yaml:"access_ttl"`
	RefreshTTL   time.Duration `yaml:"refresh_ttl"`
}

type SeedProcedure struct {
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

type SeedUser struct {
	Name        string           `yaml:"name"`
	DisplayName string           `yaml:"display_name"`
	Email       string           `yaml:"email"`
	Password    string           `yaml:"password"`
	Roles       []SeedAssignment `yaml:"roles"`
}

type SeedAssignment struct {
	Issuer string `yaml:"issuer"`
	Role   string `yaml:"role"`
}

// LoadSeedFile reads a YAML seed from path.
func LoadSeedFile(path string) (Seed, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Seed{}, err
	}
	defer fh.Close()
	return ParseSeed(fh)
}

// ParseSeed decodes a YAML seed.
func ParseSeed(r io.Reader) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}

// Apply loads the seed into s, hashing plaintext passwords. Issuers without a
// secret get a random one; issuer names may be used in user assignments.
func (s *Store) Apply(ctx context.Context, seed Seed) error {
	byName := make(map[string]string, len(seed.Issuers))
	for _, si := range seed.Issuers {
		if si.ID == "" {
			si.ID = ids.NewUUID()
		}
		iss := auth.Issuer{ID: si.ID, Name: si.Name}
		if si.Password != "" {
			hash, err := auth.HashPassword(si.Password)
			if err != nil {
				return fmt.Errorf("issuer %s: %w", si.Name, err)
			}
			iss.PasswordHash = hash
		}
		if strings.TrimSpace(si.Secret) != "" {
			secret, err := auth.ParseSecret(si.Secret)
			if err != nil {
				return fmt.Errorf("issuer %s: %w", si.Name, err)
			}
			iss.Secret = secret
		} else {
			secret, err := auth.NewSecret()
			if err != nil {
				return err
			}
			iss.Secret = secret
		}
		s.PutIssuer(iss)
		byName[si.Name] = si.ID

		for _, r := range si.Roles {
			if r.AccessTTL <= 0 || r.RefreshTTL <= 0 {
				return fmt.Errorf("%w: role %s/%s needs positive ttls", auth.ErrInvalidInput, si.Name, r.Name)
			}
			s.PutRole(auth.Role{
				IssuerID:     si.ID,
				Name:         r.Name,
				MultiSession: r.MultiSession,
				IPLock:       r.IPLock,
				AccessTTL:    r.AccessTTL,
				RefreshTTL:   r.RefreshTTL,
			})
		}
		for _, p := range si.Procedures {
			s.PutProcedure(auth.Procedure{IssuerID: si.ID, Name: p.Name, Roles: p.Roles})
		}
	}

	for _, su := range seed.Users {
		hash, err := auth.HashPassword(su.Password)
		if err != nil {
			return fmt.Errorf("user %s: %w", su.Name, err)
		}
		s.mu.Lock()
		existing, ok := s.users[su.Name]
		s.mu.Unlock()
		id := existing.ID
		if !ok {
			u, err := s.CreateUser(ctx, auth.Identity{
				Name:         su.Name,
				DisplayName:  su.DisplayName,
				Email:        su.Email,
				PasswordHash: hash,
			})
			if err != nil {
				return err
			}
			id = u.ID
		}
		for _, a := range su.Roles {
			issuerID := a.Issuer
			if mapped, ok := byName[a.Issuer]; ok {
				issuerID = mapped
			}
			s.AssignRole(id, issuerID, a.Role)
		}
	}
	return nil
}
