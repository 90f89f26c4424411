package keys

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	prefixRoom    = "ROOM#"
	prefixUser    = "USER#"
	prefixRanking = "RANKING#"
	prefixWord    = "WORD#"

	// SortKeyMetadata is the sort key of an entity's own record.
	SortKeyMetadata = "METADATA"

	// RoomsPartition is the GSI1 partition holding every room.
	RoomsPartition = "ROOMS"

	// ActiveGamesPartition is the GSI2 partition holding the rooms whose
	// game has a round open. Rooms leave it when the round ends.
	ActiveGamesPartition = "GAMES#PLAYING"

	// BadgeFeedPartition is the GSI1 partition holding every earned badge.
	BadgeFeedPartition = "BADGE#ALL"

	// MessagePrefix selects a room's messages within its partition.
	MessagePrefix = "MSG#"

	maxSession = 9999
	maxRound   = 999
)

// Room

// RoomKey addresses a room's metadata record.
func RoomKey(roomID string) (Key, error) {
	if err := ValidateID("roomID", roomID); err != nil {
		return Key{}, err
	}
	return Key{PK: join("ROOM", roomID), SK: SortKeyMetadata}, nil
}

// RoomPartition returns the partition key shared by a room and its children.
func RoomPartition(roomID string) (string, error) {
	k, err := RoomKey(roomID)
	return k.PK, err
}

func DecodeRoomKey(k Key) (string, error) {
	p := split(k.PK)
	if len(p) != 2 || p[0] != "ROOM" || p[1] == "" || k.SK != SortKeyMetadata {
		return "", malformed(k, "room")
	}
	return p[1], nil
}

// RoomProjection is the GSI1 entry used to browse rooms by recency within a level.
func RoomProjection(level string, createdAt time.Time) (Key, error) {
	if err := ValidateID("level", level); err != nil {
		return Key{}, err
	}
	return Key{PK: RoomsPartition, SK: join(level, FormatTime(createdAt))}, nil
}

// ActiveGameProjection places a room with an open round in ActiveGamesPartition.
func ActiveGameProjection(roomID string) (Key, error) {
	if err := ValidateID("roomID", roomID); err != nil {
		return Key{}, err
	}
	return Key{PK: ActiveGamesPartition, SK: join("ROOM", roomID)}, nil
}

// RoomLevelPrefix selects the rooms of one level inside RoomsPartition.
func RoomLevelPrefix(level string) (string, error) {
	if level == "" {
		return "", nil
	}
	if err := ValidateID("level", level); err != nil {
		return "", err
	}
	return level + Delimiter, nil
}

func DecodeRoomProjection(k Key) (string, time.Time, error) {
	p := split(k.SK)
	if k.PK != RoomsPartition || len(p) != 2 || p[0] == "" {
		return "", time.Time{}, malformed(k, "room projection")
	}
	t, err := ParseTime(p[1])
	if err != nil {
		return "", time.Time{}, err
	}
	return p[0], t, nil
}

// Message

func MessageKey(roomID string, ts time.Time, messageID string) (Key, error) {
	if err := validateIDs("roomID", roomID, "messageID", messageID); err != nil {
		return Key{}, err
	}
	return Key{PK: join("ROOM", roomID), SK: join("MSG", FormatTime(ts), messageID)}, nil
}

func DecodeMessageKey(k Key) (roomID string, ts time.Time, messageID string, err error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 2 || pk[0] != "ROOM" || pk[1] == "" || len(sk) != 3 || sk[0] != "MSG" || sk[2] == "" {
		return "", time.Time{}, "", malformed(k, "message")
	}
	if ts, err = ParseTime(sk[1]); err != nil {
		return "", time.Time{}, "", err
	}
	return pk[1], ts, sk[2], nil
}

// MessageUserProjection is the GSI1 entry listing a user's messages over time.
func MessageUserProjection(userID string, ts time.Time) (Key, error) {
	if err := ValidateID("userID", userID); err != nil {
		return Key{}, err
	}
	return Key{PK: join("USER", userID), SK: join("MSG", FormatTime(ts))}, nil
}

func DecodeMessageUserProjection(k Key) (string, time.Time, error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 2 || pk[0] != "USER" || pk[1] == "" || len(sk) != 2 || sk[0] != "MSG" {
		return "", time.Time{}, malformed(k, "message user projection")
	}
	ts, err := ParseTime(sk[1])
	if err != nil {
		return "", time.Time{}, err
	}
	return pk[1], ts, nil
}

// MessageIDProjection is the GSI2 entry for direct lookup by message id.
func MessageIDProjection(messageID, roomID string) (Key, error) {
	if err := validateIDs("messageID", messageID, "roomID", roomID); err != nil {
		return Key{}, err
	}
	return Key{PK: join("MSG", messageID), SK: join("ROOM", roomID)}, nil
}

// MessageIDPartition is the GSI2 partition for messageID.
func MessageIDPartition(messageID string) (string, error) {
	if err := ValidateID("messageID", messageID); err != nil {
		return "", err
	}
	return join("MSG", messageID), nil
}

func DecodeMessageIDProjection(k Key) (messageID, roomID string, err error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 2 || pk[0] != "MSG" || pk[1] == "" || len(sk) != 2 || sk[0] != "ROOM" || sk[1] == "" {
		return "", "", malformed(k, "message id projection")
	}
	return pk[1], sk[1], nil
}

// UserPartition is the GSI1 partition listing a user's messages.
func UserPartition(userID string) (string, error) {
	if err := ValidateID("userID", userID); err != nil {
		return "", err
	}
	return join("USER", userID), nil
}

// Game rounds, guesses and session scores live in the room partition.

func sessionPart(session int) (string, error) {
	if session < 1 || session > maxSession {
		return "", fmt.Errorf("%w: session %d out of range", ErrMalformedKey, session)
	}
	return fmt.Sprintf("SESSION#%04d", session), nil
}

func roundPart(session, round int) (string, error) {
	s, err := sessionPart(session)
	if err != nil {
		return "", err
	}
	if round < 1 || round > maxRound {
		return "", fmt.Errorf("%w: round %d out of range", ErrMalformedKey, round)
	}
	return fmt.Sprintf("%s#ROUND#%03d", s, round), nil
}

func RoundKey(roomID string, session, round int) (Key, error) {
	pk, err := RoomPartition(roomID)
	if err != nil {
		return Key{}, err
	}
	sk, err := roundPart(session, round)
	if err != nil {
		return Key{}, err
	}
	return Key{PK: pk, SK: sk}, nil
}

func DecodeRoundKey(k Key) (roomID string, session, round int, err error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 2 || pk[0] != "ROOM" || pk[1] == "" || len(sk) != 4 || sk[0] != "SESSION" || sk[2] != "ROUND" {
		return "", 0, 0, malformed(k, "round")
	}
	session, round, err = parseSessionRound(k, sk[1], sk[3])
	if err != nil {
		return "", 0, 0, err
	}
	return pk[1], session, round, nil
}

func GuessKey(roomID string, session, round int, userID string) (Key, error) {
	rk, err := RoundKey(roomID, session, round)
	if err != nil {
		return Key{}, err
	}
	if err := ValidateID("userID", userID); err != nil {
		return Key{}, err
	}
	return Key{PK: rk.PK, SK: join(rk.SK, "GUESS", userID)}, nil
}

// GuessPrefix selects every guess of one round.
func GuessPrefix(session, round int) (string, error) {
	rp, err := roundPart(session, round)
	if err != nil {
		return "", err
	}
	return join(rp, "GUESS", ""), nil
}

func DecodeGuessKey(k Key) (roomID string, session, round int, userID string, err error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 2 || pk[0] != "ROOM" || pk[1] == "" || len(sk) != 6 ||
		sk[0] != "SESSION" || sk[2] != "ROUND" || sk[4] != "GUESS" || sk[5] == "" {
		return "", 0, 0, "", malformed(k, "guess")
	}
	session, round, err = parseSessionRound(k, sk[1], sk[3])
	if err != nil {
		return "", 0, 0, "", err
	}
	return pk[1], session, round, sk[5], nil
}

func SessionScoreKey(roomID string, session int, userID string) (Key, error) {
	pk, err := RoomPartition(roomID)
	if err != nil {
		return Key{}, err
	}
	sp, err := sessionPart(session)
	if err != nil {
		return Key{}, err
	}
	if err := ValidateID("userID", userID); err != nil {
		return Key{}, err
	}
	return Key{PK: pk, SK: join(sp, "SCORE", userID)}, nil
}

// SessionScorePrefix selects every player's score within one session.
func SessionScorePrefix(session int) (string, error) {
	sp, err := sessionPart(session)
	if err != nil {
		return "", err
	}
	return join(sp, "SCORE", ""), nil
}

func DecodeSessionScoreKey(k Key) (roomID string, session int, userID string, err error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 2 || pk[0] != "ROOM" || pk[1] == "" || len(sk) != 4 || sk[0] != "SESSION" || sk[2] != "SCORE" || sk[3] == "" {
		return "", 0, "", malformed(k, "session score")
	}
	session, _, err = parseSessionRound(k, sk[1], "001")
	if err != nil {
		return "", 0, "", err
	}
	return pk[1], session, sk[3], nil
}

func parseSessionRound(k Key, s, r string) (int, int, error) {
	if len(s) != 4 || len(r) != 3 {
		return 0, 0, malformed(k, "session/round")
	}
	session, err := strconv.Atoi(s)
	if err != nil || session < 1 {
		return 0, 0, malformed(k, "session/round")
	}
	round, err := strconv.Atoi(r)
	if err != nil || round < 1 {
		return 0, 0, malformed(k, "session/round")
	}
	return session, round, nil
}

// User stats

func statsPartition(userID string) (string, error) {
	if err := ValidateID("userID", userID); err != nil {
		return "", err
	}
	return join("USER", userID, "STATS"), nil
}

// UserStatsKey addresses the counters of one user for one period.
func UserStatsKey(userID string, period Period) (Key, error) {
	pk, err := statsPartition(userID)
	if err != nil {
		return Key{}, err
	}
	if err := period.Validate(); err != nil {
		return Key{}, err
	}
	return Key{PK: pk, SK: period.String()}, nil
}

func DecodeUserStatsKey(k Key) (string, Period, error) {
	pk := split(k.PK)
	if len(pk) != 3 || pk[0] != "USER" || pk[1] == "" || pk[2] != "STATS" {
		return "", Period{}, malformed(k, "user stats")
	}
	p, err := ParsePeriod(k.SK)
	if err != nil {
		return "", Period{}, err
	}
	return pk[1], p, nil
}

// Ranking

// RankingPartition is the leaderboard partition of a period.
func RankingPartition(period Period) (string, error) {
	if err := period.Validate(); err != nil {
		return "", err
	}
	return join("RANKING", string(period.Type), period.value()), nil
}

// RankingKey places userID in the leaderboard so that ascending sort key order
// is descending score order.
func RankingKey(period Period, score int, userID string) (Key, error) {
	pk, err := RankingPartition(period)
	if err != nil {
		return Key{}, err
	}
	if score < 0 || score > MaxScore {
		return Key{}, fmt.Errorf("%w: score %d outside [0, %d]", ErrMalformedKey, score, MaxScore)
	}
	if err := ValidateID("userID", userID); err != nil {
		return Key{}, err
	}
	return Key{PK: pk, SK: fmt.Sprintf("SCORE#%06d#%s", MaxScore-score, userID)}, nil
}

func DecodeRankingKey(k Key) (Period, int, string, error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 3 || pk[0] != "RANKING" || len(sk) != 3 || sk[0] != "SCORE" || !sixDigits(sk[1]) || sk[2] == "" {
		return Period{}, 0, "", malformed(k, "ranking")
	}
	period, err := parsePeriodParts(PeriodType(pk[1]), pk[2], true)
	if err != nil {
		return Period{}, 0, "", err
	}
	inverted, err := strconv.Atoi(sk[1])
	if err != nil {
		return Period{}, 0, "", malformed(k, "ranking")
	}
	return period, MaxScore - inverted, sk[2], nil
}

// sixDigits accepts exactly the score field RankingKey writes.
func sixDigits(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Badges

func BadgeKey(userID, badgeType string) (Key, error) {
	if err := validateIDs("userID", userID, "badgeType", badgeType); err != nil {
		return Key{}, err
	}
	return Key{PK: join("USER", userID, "BADGE"), SK: join("BADGE", badgeType)}, nil
}

// BadgePartition holds every badge of one user.
func BadgePartition(userID string) (string, error) {
	if err := ValidateID("userID", userID); err != nil {
		return "", err
	}
	return join("USER", userID, "BADGE"), nil
}

func DecodeBadgeKey(k Key) (userID, badgeType string, err error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 3 || pk[0] != "USER" || pk[1] == "" || pk[2] != "BADGE" || len(sk) != 2 || sk[0] != "BADGE" || sk[1] == "" {
		return "", "", malformed(k, "badge")
	}
	return pk[1], sk[1], nil
}

// BadgeFeedProjection is the GSI1 entry of the global recently-earned feed.
func BadgeFeedProjection(earnedAt time.Time) Key {
	return Key{PK: BadgeFeedPartition, SK: join("EARNED", FormatTime(earnedAt))}
}

func DecodeBadgeFeedProjection(k Key) (time.Time, error) {
	sk := split(k.SK)
	if k.PK != BadgeFeedPartition || len(sk) != 2 || sk[0] != "EARNED" {
		return time.Time{}, malformed(k, "badge feed projection")
	}
	return ParseTime(sk[1])
}

// Words

func WordKey(english string) (Key, error) {
	if err := ValidateID("english", english); err != nil {
		return Key{}, err
	}
	return Key{PK: join("WORD", english), SK: SortKeyMetadata}, nil
}

func DecodeWordKey(k Key) (string, error) {
	pk := split(k.PK)
	if len(pk) != 2 || pk[0] != "WORD" || pk[1] == "" || k.SK != SortKeyMetadata {
		return "", malformed(k, "word")
	}
	return pk[1], nil
}

// WordLevelProjection is the GSI1 entry listing words of a level, grouped by category.
func WordLevelProjection(english, level, category string) (Key, error) {
	if err := validateIDs("english", english, "level", level, "category", category); err != nil {
		return Key{}, err
	}
	return Key{PK: join("WORDLEVEL", level), SK: join("CATEGORY", category, "WORD", english)}, nil
}

// WordLevelPartition is the GSI1 partition of level.
func WordLevelPartition(level string) (string, error) {
	if err := ValidateID("level", level); err != nil {
		return "", err
	}
	return join("WORDLEVEL", level), nil
}

func DecodeWordLevelProjection(k Key) (english, level, category string, err error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 2 || pk[0] != "WORDLEVEL" || pk[1] == "" ||
		len(sk) != 4 || sk[0] != "CATEGORY" || sk[1] == "" || sk[2] != "WORD" || sk[3] == "" {
		return "", "", "", malformed(k, "word level projection")
	}
	return sk[3], pk[1], sk[1], nil
}

// WordCategoryProjection is the GSI2 entry listing words of a category, grouped by level.
func WordCategoryProjection(english, level, category string) (Key, error) {
	if err := validateIDs("english", english, "level", level, "category", category); err != nil {
		return Key{}, err
	}
	return Key{PK: join("WORDCATEGORY", category), SK: join("LEVEL", level, "WORD", english)}, nil
}

// WordCategoryPartition is the GSI2 partition of category.
func WordCategoryPartition(category string) (string, error) {
	if err := ValidateID("category", category); err != nil {
		return "", err
	}
	return join("WORDCATEGORY", category), nil
}

func DecodeWordCategoryProjection(k Key) (english, level, category string, err error) {
	pk, sk := split(k.PK), split(k.SK)
	if len(pk) != 2 || pk[0] != "WORDCATEGORY" || pk[1] == "" ||
		len(sk) != 4 || sk[0] != "LEVEL" || sk[1] == "" || sk[2] != "WORD" || sk[3] == "" {
		return "", "", "", malformed(k, "word category projection")
	}
	return sk[3], sk[1], pk[1], nil
}

// HasPrefix reports whether sk starts with prefix, treating an empty prefix as a match.
func HasPrefix(sk, prefix string) bool {
	return prefix == "" || strings.HasPrefix(sk, prefix)
}
