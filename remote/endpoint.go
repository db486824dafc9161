package remote

import (
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN - 1
const maxIdentifierLength = 63

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$-]*$`)
	slotNamePattern   = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// Endpoint renders a connection descriptor as host:port/db for logs and errors.
// Credentials never appear in the output.
func Endpoint(dsn string) string {
	config, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	return fmt.Sprintf("%s:%d/%s", config.Host, config.Port, config.Database)
}

// DatabaseName returns the database a descriptor points at
func DatabaseName(dsn string) (string, error) {
	config, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid connection descriptor: %w", err)
	}
	return config.Database, nil
}

// ValidateIdentifier checks a node, subscription, slot or channel name
func ValidateIdentifier(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("%s name %q exceeds %d bytes", kind, name, maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

// ValidateSlotName checks a replication slot name. PostgreSQL only accepts
// lower case letters, digits and underscores there.
func ValidateSlotName(name string) error {
	if err := ValidateIdentifier("slot", name); err != nil {
		return err
	}
	if !slotNamePattern.MatchString(name) {
		return fmt.Errorf("invalid slot name %q: only lower case letters, digits and underscores are allowed", name)
	}
	return nil
}

func validateIdentifiers(kind string, names []string) error {
	for _, name := range names {
		if err := ValidateIdentifier(kind, name); err != nil {
			return err
		}
	}
	return nil
}
