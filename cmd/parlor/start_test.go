package main

import (
	"strings"
	"testing"

	discordadapter "github.com/zulandar/parlor/internal/chat/discord"
	slackadapter "github.com/zulandar/parlor/internal/chat/slack"
	"github.com/zulandar/parlor/internal/config"
)

func TestCreateAdapter(t *testing.T) {
	dc, err := createAdapter(&config.Config{
		Platform: config.PlatformDiscord,
		Discord:  config.DiscordConfig{BotToken: "tok"},
	})
	if err != nil {
		t.Fatalf("discord: %v", err)
	}
	if _, ok := dc.(*discordadapter.Adapter); !ok {
		t.Errorf("discord adapter = %T", dc)
	}

	sc, err := createAdapter(&config.Config{
		Platform: config.PlatformSlack,
		Slack:    config.SlackConfig{AppToken: "xapp-1", BotToken: "xoxb-1"},
	})
	if err != nil {
		t.Fatalf("slack: %v", err)
	}
	if _, ok := sc.(*slackadapter.Adapter); !ok {
		t.Errorf("slack adapter = %T", sc)
	}
}

func TestCreateAdapter_Errors(t *testing.T) {
	if _, err := createAdapter(&config.Config{Platform: "irc"}); err == nil || !strings.Contains(err.Error(), "unsupported platform") {
		t.Errorf("err = %v, want unsupported platform", err)
	}
	if _, err := createAdapter(&config.Config{Platform: config.PlatformSlack, Slack: config.SlackConfig{BotToken: "xoxb-1"}}); err == nil {
		t.Error("expected slack error without app token")
	}
}

func TestStartCmd_Help(t *testing.T) {
	out, err := run(t, "start", "--help")
	if err != nil {
		t.Fatalf("start --help: %v", err)
	}
	if !strings.Contains(out, "--config") || !strings.Contains(out, "parlor.yaml") {
		t.Errorf("help missing config flag default: %s", out)
	}
}

func TestStartCmd_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "sessions:\n  store: redis\n")
	_, err := run(t, "start", "-c", path)
	if err == nil || !strings.Contains(err.Error(), `sessions.store "redis" is not supported`) {
		t.Errorf("err = %v, want sessions.store validation error", err)
	}
}
