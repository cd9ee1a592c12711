package pairing

import (
	"fmt"
	"strings"
)

const (
	// ProductName prefixes the reply sent to unknown senders.
	ProductName = "Clawgate"
	// CLIName is the binary owners use to approve codes.
	CLIName = "clawgate"
)

var idLabels = map[string]string{
	"telegram": "telegramUserId",
	"discord":  "discordUserId",
	"slack":    "slackUserId",
	"msteams":  "teamsUserId",
	"whatsapp": "whatsappSenderId",
	"signal":   "signalNumber",
	"imessage": "imessageSenderId",
	"matrix":   "matrixUserId",
	"irc":      "ircNick",
	"feishu":   "feishuOpenId",
}

// IDLabel returns the name of the sender identifier on channel.
func IDLabel(channel string) string {
	if l, ok := idLabels[normalizeChannel(channel)]; ok {
		return l
	}
	return "userId"
}

// IDLine formats the line that tells a sender which id they are known by.
func IDLine(channel, senderID string) string {
	return fmt.Sprintf("Your %s: %s", IDLabel(channel), senderID)
}

// BuildReply renders the message sent to a sender that needs pairing.
func BuildReply(channel, idLine, code string) string {
	return strings.Join([]string{
		ProductName + ": access not configured.",
		"",
		idLine,
		"",
		"Pairing code: " + code,
		"",
		"Ask the bot owner to approve with:",
		fmt.Sprintf("%s pairing approve %s %s", CLIName, channel, code),
	}, "\n")
}
