package classify

import "regexp"

type rule struct {
	re     *regexp.Regexp
	reason Reason
}

func r(pattern string, reason Reason) rule {
	return rule{re: regexp.MustCompile(pattern), reason: reason}
}

// blockRules mean the destination is gone or refuses the bot for good.
var blockRules = []rule{
	r(`group chat is deactivated`, ReasonDestinationGone),
	r(`chat not found`, ReasonDestinationGone),
	r(`channel not found`, ReasonDestinationGone),
	r(`USER_DEACTIVATED`, ReasonDestinationGone),
	r(`not enough rights to send photos to the chat`, ReasonForbidden),
	r(`have no rights to send a message`, ReasonForbidden),
	r(`need administrator rights in the channel chat`, ReasonForbidden),
	r(`CHAT_WRITE_FORBIDDEN`, ReasonForbidden),
	r(`CHAT_SEND_MEDIA_FORBIDDEN`, ReasonForbidden),
	r(`bot was blocked by the user`, ReasonForbidden),
	r(`bot was kicked`, ReasonForbidden),
}

// staleRules mean only the addressed message is gone or unchanged.
var staleRules = []rule{
	r(`message to edit not found`, ReasonEditNotFound),
	r(`message to delete not found`, ReasonDeleteNotFound),
	r(`message is not modified`, ReasonNotModified),
	r(`message can't be deleted`, ReasonCantBeDeleted),
	r(`group chat was upgraded`, ReasonChatUpgraded),
}

var transientRules = []rule{
	r(`PEER_ID_INVALID`, ReasonInvalidPeer),
	r(`(?i)timeout|timed out`, ReasonNetwork),
	r(`(?i)connection reset`, ReasonNetwork),
	r(`(?i)internal server error|bad gateway|gateway timeout|service unavailable`, ReasonServer),
}
