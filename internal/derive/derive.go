// Package derive builds new canonical requests out of earlier messages: synthesis of
// selected responses and catch-up of providers that join a conversation late.
//
// The Build functions are pure: the same messages, targets and instruction always give
// the same request text.
package derive

import (
	"fmt"
	"sort"
	"strings"

	"polychat/internal/conversation"
	"polychat/internal/models"
)

// Resolver canonicalises model identifiers and aliases.
type Resolver interface {
	Resolve(ids []string) ([]models.Model, error)
}

// CatchupInstruction closes every catch-up prompt.
const CatchupInstruction = "You are joining this conversation now. The transcript above is everything " +
	"said so far. Briefly acknowledge that you have read it and are ready to continue."

// BuildSynthesis renders the selected messages as numbered responses, ordered by ordinal
// and prefixed with the optional instruction, for the given targets. Every selected
// message must be indexed and finished.
func BuildSynthesis(selected []models.Message, targets []string, instruction string) (models.CanonicalRequest, error) {
	if len(selected) == 0 {
		return models.CanonicalRequest{}, models.ErrNoSelection
	}
	if len(targets) == 0 {
		return models.CanonicalRequest{}, models.ErrNoSynthesisTargets
	}
	for _, msg := range selected {
		switch {
		case msg.Ordinal <= 0:
			return models.CanonicalRequest{}, fmt.Errorf("%w: message %s has no ordinal", models.ErrNoSelection, msg.ID)
		case !msg.State.Terminal():
			return models.CanonicalRequest{}, fmt.Errorf("%w: message %s is still streaming", models.ErrNoSelection, msg.ID)
		}
	}

	ordered := byOrdinal(selected)
	blocks := make([]string, 0, len(ordered)+1)
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		blocks = append(blocks, instruction)
	}
	for _, msg := range ordered {
		blocks = append(blocks, fmt.Sprintf("Response #%d from %s:\n%s", msg.Ordinal, msg.Provider, msg.Content))
	}

	return models.CanonicalRequest{
		Text:    strings.Join(blocks, "\n\n"),
		Targets: append([]string(nil), targets...),
	}, nil
}

// BuildCatchup serialises history as a transcript followed by CatchupInstruction, for
// the new providers only. Prompts render as "User: ..." and responses as
// "<provider>: ...". Messages without an ordinal, still streaming or failed are left out.
func BuildCatchup(history []models.Message, newProviders []string) (models.CanonicalRequest, error) {
	if len(newProviders) == 0 {
		return models.CanonicalRequest{}, models.ErrNoEligibleProviders
	}

	var lines []string
	for _, msg := range byOrdinal(history) {
		if msg.Ordinal == 0 || msg.State.Kind() != models.StateFinal {
			continue
		}
		speaker := msg.Provider
		if msg.Role == models.RoleUser {
			speaker = "User"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, msg.Content))
	}
	if len(lines) == 0 {
		return models.CanonicalRequest{}, models.ErrNoSelection
	}

	lines = append(lines, CatchupInstruction)
	return models.CanonicalRequest{
		Text:    strings.Join(lines, "\n\n"),
		Targets: append([]string(nil), newProviders...),
	}, nil
}

// Synthesis builds a synthesis request from message ids of conv, carrying the
// conversation's roles and global context.
func Synthesis(conv *conversation.Conversation, messageIDs, targets []string, instruction string) (models.CanonicalRequest, error) {
	if len(messageIDs) == 0 {
		return models.CanonicalRequest{}, models.ErrNoSelection
	}
	if len(targets) == 0 {
		return models.CanonicalRequest{}, models.ErrNoSynthesisTargets
	}
	selected, err := conv.Select(messageIDs)
	if err != nil {
		return models.CanonicalRequest{}, err
	}
	req, err := BuildSynthesis(selected, targets, instruction)
	if err != nil {
		return models.CanonicalRequest{}, err
	}
	return withSettings(req, conv), nil
}

// Catchup builds a catch-up request for the providers of newProviders that have not
// answered in conv yet. newProviders are canonicalised through reg first, so an alias of
// a provider already present is not treated as new. An empty messageIDs replays the
// whole history.
func Catchup(conv *conversation.Conversation, reg Resolver, newProviders, messageIDs []string) (models.CanonicalRequest, error) {
	resolved, err := reg.Resolve(newProviders)
	if err != nil {
		return models.CanonicalRequest{}, err
	}
	present := make(map[string]bool)
	for _, p := range conv.Providers() {
		present[p] = true
	}
	var fresh []string
	for _, m := range resolved {
		if !present[m.ID] {
			present[m.ID] = true
			fresh = append(fresh, m.ID)
		}
	}

	history := conv.Messages()
	if len(messageIDs) > 0 {
		selected, err := conv.Select(messageIDs)
		if err != nil {
			return models.CanonicalRequest{}, err
		}
		history = selected
	}

	req, err := BuildCatchup(history, fresh)
	if err != nil {
		return models.CanonicalRequest{}, err
	}
	return withSettings(req, conv), nil
}

func withSettings(req models.CanonicalRequest, conv *conversation.Conversation) models.CanonicalRequest {
	settings := conv.Settings()
	req.ConversationID = conv.ID()
	req.GlobalContext = settings.GlobalContext
	req.Roles = settings.Roles
	return req
}

func byOrdinal(msgs []models.Message) []models.Message {
	out := append([]models.Message(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}
