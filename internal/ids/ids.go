// Package ids generates and checks the prefixed identifiers of stored items.
package ids

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const (
	ConfigPrefix  = "cid_"
	ProfilePrefix = "profile_"
	JobPrefix     = "job_"
)

var (
	configRe  = regexp.MustCompile(`^cid_[A-Za-z0-9]{24}$`)
	profileRe = regexp.MustCompile(`^profile_[A-Za-z0-9]{12}$`)
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)
)

// Alnum returns n random alphanumeric characters.
func Alnum(n int) string {
	var b strings.Builder
	b.Grow(n)
	limit := big.NewInt(int64(len(alnum)))
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic("ids: crypto/rand: " + err.Error())
		}
		b.WriteByte(alnum[v.Int64()])
	}
	return b.String()
}

func NewConfigID() string  { return ConfigPrefix + Alnum(24) }
func NewProfileID() string { return ProfilePrefix + Alnum(12) }
func NewJobID() string     { return JobPrefix + Alnum(16) }

// RescheduleID derives the id of a rescheduled copy of a job.
func RescheduleID(jobID string) string {
	base := jobID
	if i := strings.Index(jobID, "-r-"); i > 0 {
		base = jobID[:i]
	}
	return base + "-r-" + Alnum(5)
}

func IsConfigID(s string) bool  { return configRe.MatchString(s) }
func IsProfileID(s string) bool { return profileRe.MatchString(s) }

// ValidName reports whether name is usable for an item whose ids carry
// prefix.
func ValidName(name, prefix string) bool {
	return nameRe.MatchString(name) && (prefix == "" || !strings.HasPrefix(name, prefix))
}
