package browser

import (
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// watchPageCrash subscribes once to the page's fatal-error event. On fire,
// it logs and best-effort closes the page, swallowing any close error. See
// SPEC_FULL.md §7, PageCrashed.
func watchPageCrash(page *rod.Page, log zerolog.Logger) {
	go page.EachEvent(func(e *proto.InspectorTargetCrashed) {
		log.Error().Msg("page crashed, closing")
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close crashed page")
		}
	})()
}
