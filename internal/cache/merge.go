package cache

// Merge combines a stored entry with an incoming snapshot of the same
// source URL. The rule throughout: a field carrying real content always
// wins over a placeholder, regardless of which side is newer. Incoming
// wins ties, so fresher job metadata and progress flow through while
// content obtained by slow or partial earlier fetches is never lost.
// Merging an entry with itself is a no-op.
func Merge(existing, incoming Entry) Entry {
	out := incoming.Clone()
	if out.SourceURL == "" {
		out.SourceURL = existing.SourceURL
	}

	out.Job = mergeJob(existing.Job, incoming.Job)

	// A nil tree means "not fetched yet", not "empty repository".
	if out.FileTree == nil && existing.FileTree != nil {
		out.FileTree = append([]FileNode(nil), existing.FileTree...)
	}

	out.FileContents = mergeContents(existing.FileContents, incoming.FileContents)
	out.ChatHistory = mergeChat(existing.ChatHistory, incoming.ChatHistory)

	if out.SavedAt.Before(existing.SavedAt) {
		out.SavedAt = existing.SavedAt
	}
	return out
}

func mergeJob(existing, incoming JobMeta) JobMeta {
	if incoming.ID == "" && incoming.State == "" {
		return existing
	}
	out := incoming
	if out.ID == "" {
		out.ID = existing.ID
	}
	if out.StartedAt.IsZero() {
		out.StartedAt = existing.StartedAt
	}
	if len(out.Result) == 0 {
		out.Result = existing.Result
	}
	if out.LastPolledAt.IsZero() {
		out.LastPolledAt = existing.LastPolledAt
	}
	return out
}

// mergeContents unions the two maps. For a path present on both sides,
// real content beats a placeholder no matter which side it came from;
// when both carry content, the incoming value wins.
func mergeContents(existing, incoming map[string]string) map[string]string {
	if existing == nil && incoming == nil {
		return nil
	}
	out := make(map[string]string, len(existing)+len(incoming))
	for path, content := range existing {
		out[path] = content
	}
	for path, content := range incoming {
		if isPlaceholder(content) && !isPlaceholder(out[path]) {
			continue
		}
		out[path] = content
	}
	return out
}

// mergeChat keeps the existing order and appends incoming messages not
// already present, deduplicated by message ID.
func mergeChat(existing, incoming []ChatMessage) []ChatMessage {
	if len(existing) == 0 {
		if incoming == nil {
			return nil
		}
		return append([]ChatMessage(nil), incoming...)
	}

	seen := make(map[string]struct{}, len(existing))
	out := append([]ChatMessage(nil), existing...)
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}
	for _, m := range incoming {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
