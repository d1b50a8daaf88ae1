// Package identity derives target-protocol user ids, room ids and room
// aliases from legacy records, and persists the resulting mapping.
//
// Every function here is pure: the same legacy id and server name always give
// the same output.
package identity

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/MikeSquared-Agency/nok/internal/legacy"
)

const (
	maxLocalpartLen = 16
	maxAliasLen     = 64
	minAliasLen     = 3
)

var (
	userIDRe = regexp.MustCompile(`^@[a-z0-9._=\-/]+:[A-Za-z0-9.\-]+(:[0-9]+)?$`)
	roomIDRe = regexp.MustCompile(`^![A-Za-z0-9]+:[A-Za-z0-9.\-]+(:[0-9]+)?$`)
	aliasRe  = regexp.MustCompile(`^[a-z0-9_]+$`)
)

func ValidUserID(s string) bool { return userIDRe.MatchString(s) }
func ValidRoomID(s string) bool { return roomIDRe.MatchString(s) }
func ValidAlias(s string) bool  { return aliasRe.MatchString(s) }

// Localpart strips a legacy id down to at most 16 lower-case [a-z0-9]
// characters and prefixes it with "user". A UUID keeps its first 16 hex
// digits. Ids with nothing usable fall back to a hash.
func Localpart(legacyID string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(legacyID) {
		if sb.Len() == maxLocalpartLen {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "user" + shortHash(legacyID)
	}
	return "user" + sb.String()
}

// DeriveUserID returns @<localpart>:<serverName>.
func DeriveUserID(legacyID, serverName string) string {
	return "@" + Localpart(legacyID) + ":" + serverName
}

// LocalpartOf returns the part of a user id between "@" and the first ":".
func LocalpartOf(userID string) string {
	local := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(local, ':'); i >= 0 {
		local = local[:i]
	}
	return local
}

// DeriveRoomAlias normalizes a room name to [a-z0-9_]+. Names that leave
// fewer than three characters (empty, non-ASCII) get room<8 hex>.
func DeriveRoomAlias(roomName string) string {
	var sb strings.Builder
	lastUnderscore := true
	for _, r := range roomName {
		switch {
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(r + ('a' - 'A'))
			lastUnderscore = false
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			sb.WriteRune(r)
			lastUnderscore = false
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '\\' || r == '_':
			if !lastUnderscore {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	alias := strings.Trim(sb.String(), "_")
	if len(alias) > maxAliasLen {
		alias = strings.TrimRight(alias[:maxAliasLen], "_")
	}
	if len(alias) < minAliasLen {
		return "room" + shortHash(roomName)
	}
	return alias
}

// DeriveRoomID hashes the legacy id, namespaced by server.
func DeriveRoomID(legacyID, serverName string) string {
	h := xxhash.New()
	_, _ = h.WriteString(serverName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(legacyID)
	return fmt.Sprintf("!%016X:%s", h.Sum64(), serverName)
}

// shortHash is xxhash64 folded to 32 bits, as 8 hex digits.
func shortHash(s string) string {
	h := xxhash.Sum64String(s)
	return fmt.Sprintf("%08x", uint32(h^(h>>32)))
}

// Mapping is the legacy-id to target-id translation produced by one run. It
// is not modified after Generate returns.
type Mapping struct {
	UserMappings map[string]string `json:"user_mappings"`
	RoomMappings map[string]string `json:"room_mappings"`
	RoomAliases  map[string]string `json:"room_aliases"`
}

func NewMapping() *Mapping {
	return &Mapping{
		UserMappings: make(map[string]string),
		RoomMappings: make(map[string]string),
		RoomAliases:  make(map[string]string),
	}
}

func (m *Mapping) UserID(legacyID string) (string, bool) {
	v, ok := m.UserMappings[legacyID]
	return v, ok
}

func (m *Mapping) RoomID(legacyID string) (string, bool) {
	v, ok := m.RoomMappings[legacyID]
	return v, ok
}

func (m *Mapping) Alias(legacyID string) (string, bool) {
	v, ok := m.RoomAliases[legacyID]
	return v, ok
}

// Generate maps every user and room in one pass. Records are visited in
// ascending legacy-id order; a localpart or alias already claimed by another
// record gets the first free suffix _2, _3, and so on.
func Generate(users []legacy.User, rooms []legacy.Room, serverName string) *Mapping {
	m := NewMapping()

	userIDs := make([]string, 0, len(users))
	for _, u := range users {
		userIDs = append(userIDs, u.ID)
	}
	sort.Strings(userIDs)

	taken := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if _, done := m.UserMappings[id]; done {
			continue
		}
		local := claim(Localpart(id), taken, 0)
		m.UserMappings[id] = "@" + local + ":" + serverName
	}

	sorted := make([]legacy.Room, len(rooms))
	copy(sorted, rooms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	aliases := make(map[string]bool, len(sorted))
	for _, r := range sorted {
		if _, done := m.RoomMappings[r.ID]; done {
			continue
		}
		m.RoomMappings[r.ID] = DeriveRoomID(r.ID, serverName)
		m.RoomAliases[r.ID] = claim(DeriveRoomAlias(r.Name), aliases, maxAliasLen)
	}
	return m
}

// claim returns base, or base with the first free numeric suffix. With a
// positive limit, base is shortened so the suffixed name still fits.
func claim(base string, taken map[string]bool, limit int) string {
	candidate := base
	for n := 2; taken[candidate]; n++ {
		suffix := "_" + strconv.Itoa(n)
		stem := base
		if limit > 0 && len(stem)+len(suffix) > limit {
			stem = strings.TrimRight(stem[:limit-len(suffix)], "_")
		}
		candidate = stem + suffix
	}
	taken[candidate] = true
	return candidate
}

// Resolver turns legacy references into target references. References that
// are already target ids, or that the mapping does not know, pass through.
type Resolver struct {
	mapping    *Mapping
	serverName string
}

func NewResolver(m *Mapping, serverName string) *Resolver {
	return &Resolver{mapping: m, serverName: serverName}
}

// RoomRef prefers the human alias (#alias:server) over the opaque room id.
func (r *Resolver) RoomRef(ref string) string {
	if r == nil || r.mapping == nil || isTargetRef(ref) {
		return ref
	}
	if alias, ok := r.mapping.Alias(ref); ok {
		return "#" + alias + ":" + r.serverName
	}
	if id, ok := r.mapping.RoomID(ref); ok {
		return id
	}
	return ref
}

func (r *Resolver) UserRef(ref string) string {
	if r == nil || r.mapping == nil || isTargetRef(ref) {
		return ref
	}
	if id, ok := r.mapping.UserID(ref); ok {
		return id
	}
	return ref
}

func isTargetRef(ref string) bool {
	return strings.HasPrefix(ref, "@") || strings.HasPrefix(ref, "!") || strings.HasPrefix(ref, "#")
}
