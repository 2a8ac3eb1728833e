package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var runIDRegex = regexp.MustCompile(`^run_[0-9]{10}_[0-9a-f]{8}$`)

// NewRunID returns run_<unix seconds>_<8 hex>.
func NewRunID() (string, error) {
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("run_%010d_%s", time.Now().Unix(), hex.EncodeToString(randomBytes)), nil
}

// NewReviewID identifies one reviewer invocation.
func NewReviewID() string {
	return uuid.NewString()
}

func ValidateRunID(id string) bool {
	return runIDRegex.MatchString(id)
}

// ValidateName accepts user-chosen run ids and unit ids: letters, digits,
// dot, dash and underscore, not starting with a dot.
func ValidateName(s string) bool {
	return nameRegex.MatchString(s)
}

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

func ParseRunIDTimestamp(id string) (time.Time, error) {
	if !ValidateRunID(id) {
		return time.Time{}, fmt.Errorf("invalid run ID format: %s", id)
	}
	ts, err := strconv.ParseInt(id[4:14], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}

// Now is the timestamp format used in every persisted record.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
