package bot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"
)

// Session is the part of *discordgo.Session the Messenger uses.
type Session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// Messenger sends the pipeline's output to Discord.
type Messenger struct {
	s Session
}

func NewMessenger(s Session) *Messenger {
	return &Messenger{s: s}
}

func reference(channelID, messageID string) *discordgo.MessageReference {
	return &discordgo.MessageReference{MessageID: messageID, ChannelID: channelID}
}

func (m *Messenger) Reply(channelID, replyToID, content string) (string, error) {
	return m.send(channelID, &discordgo.MessageSend{
		Content:   content,
		Reference: reference(channelID, replyToID),
	})
}

// ReplyWithFile replies with content and the file at path attached.
func (m *Messenger) ReplyWithFile(channelID, replyToID, content, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	return m.send(channelID, &discordgo.MessageSend{
		Content:   content,
		Reference: reference(channelID, replyToID),
		Files: []*discordgo.File{{
			Name:        filepath.Base(path),
			ContentType: "image/png",
			Reader:      f,
		}},
	})
}

func (m *Messenger) Send(channelID, content string) (string, error) {
	return m.send(channelID, &discordgo.MessageSend{Content: content})
}

func (m *Messenger) Delete(channelID, messageID string) error {
	return m.s.ChannelMessageDelete(channelID, messageID)
}

func (m *Messenger) Typing(channelID string) error {
	return m.s.ChannelTyping(channelID)
}

func (m *Messenger) send(channelID string, data *discordgo.MessageSend) (string, error) {
	msg, err := m.s.ChannelMessageSendComplex(channelID, data)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}
