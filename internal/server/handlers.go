package server

import (
	"context"
	"fmt"

	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
)

func (s *Server) dispatch(ctx context.Context, cmd string, args map[string]any, reply func(any)) {
	action, _ := args["action"].(string)
	if action == "" {
		reply(errorReply(fmt.Sprintf("Missing action in %s arguments", cmd)))
		return
	}

	switch cmd {
	case "session":
		s.handleSession(ctx, action, args, reply)
	case "config":
		s.handleConfig(action, args, reply)
	case "skill":
		s.handleSkill(ctx, action, args, reply)
	default:
		reply(errorReply(fmt.Sprintf("Unknown command: %s", cmd)))
	}
}

// stringArg reads a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("Missing %s", key)
	}
	return v, nil
}

// intArg reads an optional integer argument (JSON numbers arrive as
// float64), returning def when absent or invalid.
func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key].(float64)
	if !ok || v < 0 {
		return def
	}
	return int(v)
}

func (s *Server) handleSession(ctx context.Context, action string, args map[string]any, reply func(any)) {
	switch action {
	case "create":
		sessionID, err := stringArg(args, "session_id")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		model, _ := args["model"].(string)

		sess, err := s.mgr.GetOrCreate(sessionID, model)
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		reply(event("created", sessionID, map[string]any{"model": sess.Model()}))

	case "send":
		s.handleSend(ctx, args, reply)

	case "list":
		ids, err := s.mgr.List()
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		reply(event("list", "", map[string]any{"sessions": ids}))

	case "delete":
		sessionID, err := stringArg(args, "session_id")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		if err := s.mgr.Delete(sessionID); err != nil {
			reply(errorReply(err.Error()))
			return
		}
		reply(event("deleted", sessionID, nil))

	case "history":
		s.handleHistory(args, reply)

	default:
		reply(errorReply(fmt.Sprintf("Unknown action: %s", action)))
	}
}

// handleSend runs one full exchange: append the user message, drive
// the model/tool loop, and append the assistant's accumulated text.
// Stream events flow to the client as they happen.
func (s *Server) handleSend(ctx context.Context, args map[string]any, reply func(any)) {
	sessionID, err := stringArg(args, "session_id")
	if err != nil {
		reply(errorReply(err.Error()))
		return
	}
	message, err := stringArg(args, "message")
	if err != nil {
		reply(errorReply(err.Error()))
		return
	}

	sess, err := s.mgr.GetOrCreate(sessionID, "")
	if err != nil {
		reply(errorReply(err.Error()))
		return
	}

	if err := sess.AppendUserMessage(message, sess.ActiveSkills()); err != nil {
		reply(sessionErrorReply(sessionID, err.Error()))
		return
	}

	text, runErr := s.orch.Run(ctx, sess, func(e events.Event) { reply(e) })
	if runErr != nil {
		s.logger.Error("exchange failed", "session_id", sessionID, "error", runErr)
		reply(sessionErrorReply(sessionID, runErr.Error()))
		if text == "" {
			// Nothing was delivered; an empty transcript entry would
			// only pollute future context assembly.
			return
		}
	}

	// Accumulated text is durable even when the stream died mid-way.
	if err := sess.AppendAssistantMessage(text, sess.ActiveSkills()); err != nil {
		reply(sessionErrorReply(sessionID, err.Error()))
	}
}

func (s *Server) handleHistory(args map[string]any, reply func(any)) {
	sessionID, err := stringArg(args, "session_id")
	if err != nil {
		reply(errorReply(err.Error()))
		return
	}
	limit := intArg(args, "limit", 20)
	offset := intArg(args, "offset", 0)

	sess, err := s.mgr.GetOrCreate(sessionID, "")
	if err != nil {
		reply(errorReply(err.Error()))
		return
	}

	history := sess.History()
	total := len(history)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	reply(event("history", sessionID, map[string]any{
		"history": history[start:end],
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	}))
}

func (s *Server) handleConfig(action string, args map[string]any, reply func(any)) {
	switch action {
	case "get":
		key, err := stringArg(args, "key")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		value, err := s.cfg.Get(key)
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		reply(event("config_value", "", map[string]any{"key": key, "value": value}))

	case "set":
		key, err := stringArg(args, "key")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		value, ok := args["value"]
		if !ok || value == nil {
			reply(errorReply("Missing value"))
			return
		}
		if err := s.cfg.Set(key, value); err != nil {
			reply(errorReply(err.Error()))
			return
		}
		reply(event("config_updated", "", map[string]any{"key": key, "value": value}))

	case "list":
		options := make(map[string]any)
		for _, key := range config.Keys() {
			if value, err := s.cfg.Get(key); err == nil {
				options[key] = value
			}
		}
		reply(event("config_list", "", map[string]any{"options": options}))

	default:
		reply(errorReply(fmt.Sprintf("Unknown config action: %s", action)))
	}
}

func (s *Server) handleSkill(ctx context.Context, action string, args map[string]any, reply func(any)) {
	switch action {
	case "add":
		sessionID, skillName, err := sessionSkillArgs(args)
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		sess, err := s.mgr.GetOrCreate(sessionID, "")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		sess.AddSkill(skillName)
		reply(event("skill_added", sessionID, map[string]any{"skill": skillName}))

	case "remove":
		sessionID, skillName, err := sessionSkillArgs(args)
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		sess, err := s.mgr.GetOrCreate(sessionID, "")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		if err := sess.RemoveSkill(skillName); err != nil {
			reply(sessionErrorReply(sessionID, err.Error()))
			return
		}
		reply(event("skill_removed", sessionID, map[string]any{"skill": skillName}))

	case "list":
		sessionID, err := stringArg(args, "session_id")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		sess, err := s.mgr.GetOrCreate(sessionID, "")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		reply(event("skill_list", sessionID, map[string]any{"active_skills": sess.ActiveSkills()}))

	case "search":
		query, err := stringArg(args, "query")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		snap := s.cfg.Snapshot()
		matched := s.selector.Select(ctx, query, snap.EmbeddingModel, nil)
		results := make([]string, len(matched))
		for i, sk := range matched {
			results[i] = sk.Name
		}
		reply(event("skill_search_results", "", map[string]any{"results": results}))

	case "ban":
		skillName, err := stringArg(args, "skill")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		if err := s.cfg.BanSkill(skillName); err != nil {
			reply(errorReply(err.Error()))
			return
		}
		reply(event("skill_banned", "", map[string]any{"skill": skillName}))

	case "unban":
		skillName, err := stringArg(args, "skill")
		if err != nil {
			reply(errorReply(err.Error()))
			return
		}
		if err := s.cfg.UnbanSkill(skillName); err != nil {
			reply(errorReply(err.Error()))
			return
		}
		reply(event("skill_unbanned", "", map[string]any{"skill": skillName}))

	default:
		reply(errorReply(fmt.Sprintf("Unknown skill action: %s", action)))
	}
}

func sessionSkillArgs(args map[string]any) (sessionID, skillName string, err error) {
	sessionID, err = stringArg(args, "session_id")
	if err != nil {
		return "", "", err
	}
	skillName, err = stringArg(args, "skill")
	if err != nil {
		return "", "", err
	}
	return sessionID, skillName, nil
}
