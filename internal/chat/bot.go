package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

const defaultRollMax = 100

func defaultRoll(max int) int {
	return rand.IntN(max) + 1
}

// handleBotCommand parses a "!" command and sends the reply. Replies to
// commands issued in public channels go to the user's pm with the bot.
func (s *Service) handleBotCommand(ctx context.Context, sender *store.User, origin *store.ChatChannel, content string) error {
	fields := strings.Fields(content)
	name := strings.TrimPrefix(fields[0], "!")
	args := fields[1:]

	var reply string
	switch strings.ToLower(name) {
	case "help":
		reply = helpText()
	case "roll":
		reply = s.runRoll(sender, args)
	case "stats":
		reply = s.runStats(ctx, sender, args)
	case "pr":
		reply = s.runScore(ctx, sender, args, true)
	case "re":
		reply = s.runScore(ctx, sender, args, false)
	default:
		reply = fmt.Sprintf("unknown command: !%s (try !help)", name)
	}
	return s.sendFromBot(ctx, origin, sender.ID, reply)
}

func helpText() string {
	return strings.Join([]string{
		"!help - show this list",
		"!roll [max] - roll a number between 1 and max (default 100)",
		"!stats [username] - show a player's statistics",
		"!pr [username] - show a player's best score",
		"!re [username] - show a player's most recent score",
	}, "\n")
}

func (s *Service) runRoll(sender *store.User, args []string) string {
	max := defaultRollMax
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			max = n
		}
	}
	return fmt.Sprintf("%s rolls %d point(s)", sender.Username, s.rollFn(max))
}

// resolveTarget picks the named user, defaulting to the sender.
func (s *Service) resolveTarget(ctx context.Context, sender *store.User, args []string) (*store.User, string) {
	if len(args) == 0 {
		return sender, ""
	}
	u, err := s.st.GetUserByUsername(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Sprintf("user not found: %s", args[0])
	}
	if err != nil {
		return nil, "something went wrong looking that user up"
	}
	return u, ""
}

func (s *Service) runStats(ctx context.Context, sender *store.User, args []string) string {
	target, errReply := s.resolveTarget(ctx, sender, args)
	if errReply != "" {
		return errReply
	}
	stats, err := s.st.GetUserStats(ctx, target.ID, target.PlayMode)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("no stats for %s yet", target.Username)
	}
	if err != nil {
		return "something went wrong fetching stats"
	}
	return fmt.Sprintf("%s: #%d global (#%d %s), %.0fpp, %.2f%% accuracy, %d plays",
		target.Username, stats.GlobalRank, stats.CountryRank, target.CountryCode,
		stats.PP, stats.Accuracy*100, stats.PlayCount)
}

func (s *Service) runScore(ctx context.Context, sender *store.User, args []string, best bool) string {
	target, errReply := s.resolveTarget(ctx, sender, args)
	if errReply != "" {
		return errReply
	}

	var (
		score *store.Score
		err   error
		label string
	)
	if best {
		score, err = s.st.GetUserBestScore(ctx, target.ID, target.PlayMode)
		label = "best"
	} else {
		score, err = s.st.GetUserRecentScore(ctx, target.ID, target.PlayMode)
		label = "most recent"
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Sprintf("no scores for %s yet", target.Username)
	}
	if err != nil {
		return "something went wrong fetching scores"
	}
	return fmt.Sprintf("%s's %s score: beatmap %d | %d | %.2f%% | %dx | %s | %.2fpp",
		target.Username, label, score.BeatmapID, score.TotalScore,
		score.Accuracy*100, score.MaxCombo, score.Rank, score.PP)
}
