package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/eternisai/seo-research/internal/research"
)

type fingerprintInput struct {
	Type     research.QueryType `json:"type"`
	Payload  any                `json:"payload"`
	Location string             `json:"location"`
	Language string             `json:"language"`
	Device   string             `json:"device"`
}

// Fingerprint identifies a provider call by content. Two sub-requests with the
// same type, payload, location, language and device share a fingerprint no
// matter how their JSON payloads were laid out.
func Fingerprint(t research.QueryType, sub research.SubRequest) (string, error) {
	var payload any
	if len(sub.Payload) > 0 {
		// Round-tripping through any sorts object keys.
		if err := json.Unmarshal(sub.Payload, &payload); err != nil {
			return "", fmt.Errorf("invalid sub-request payload: %w", err)
		}
	}

	canonical, err := json.Marshal(fingerprintInput{
		Type:     t,
		Payload:  payload,
		Location: sub.Location,
		Language: sub.Language,
		Device:   sub.Device,
	})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
