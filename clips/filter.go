// Package clips implements the polling relay core: the per-guild clip filter,
// the periodic poll-and-deliver job, and delivered-id retention.
package clips

import (
	"strings"

	"github.com/onnwee/clip-relay/state"
	"github.com/onnwee/clip-relay/twitchapi"
)

// Accept decides whether a clip passes a guild's filter. Checks run cheapest
// first and short-circuit: views, duration, include keywords, exclude
// keywords, creator allow list, creator deny list. A zero-value filter
// accepts everything.
func Accept(clip twitchapi.Clip, f state.FilterConfig) bool {
	if clip.ViewCount < f.MinViews {
		return false
	}
	if f.MaxViews > 0 && clip.ViewCount > f.MaxViews {
		return false
	}
	if clip.Duration < f.MinDuration {
		return false
	}
	if f.MaxDuration > 0 && clip.Duration > f.MaxDuration {
		return false
	}
	if len(f.KeywordsInclude) > 0 {
		title := strings.ToLower(clip.Title)
		found := false
		for _, kw := range f.KeywordsInclude {
			if kw != "" && strings.Contains(title, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.KeywordsExclude) > 0 {
		title := strings.ToLower(clip.Title)
		for _, kw := range f.KeywordsExclude {
			if kw != "" && strings.Contains(title, strings.ToLower(kw)) {
				return false
			}
		}
	}
	if len(f.CreatorsAllow) > 0 && !containsFold(f.CreatorsAllow, clip.CreatorName) {
		return false
	}
	if len(f.CreatorsDeny) > 0 && containsFold(f.CreatorsDeny, clip.CreatorName) {
		return false
	}
	return true
}

func containsFold(list []string, name string) bool {
	for _, v := range list {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}
