package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceNames maps CDP resource types to configuration names.
var resourceNames = map[proto.NetworkResourceType]string{
	proto.NetworkResourceTypeImage:      "images",
	proto.NetworkResourceTypeFont:       "fonts",
	proto.NetworkResourceTypeMedia:      "media",
	proto.NetworkResourceTypeStylesheet: "stylesheets",
}

// applyResourceBlocking fails requests of the configured types. It returns
// the hijack router so the tab can stop it on close.
func applyResourceBlocking(page *rod.Page, types []string) *rod.HijackRouter {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(block, h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(block map[string]bool, t proto.NetworkResourceType) bool {
	if name, ok := resourceNames[t]; ok {
		return block[name]
	}
	return block[strings.ToLower(string(t))]
}
