// Package notify sends pool event notifications to operator webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kas-network/kas-pool/internal/config"
	"github.com/kas-network/kas-pool/internal/util"
)

const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// Notifier posts pool events to Discord and Telegram webhooks
type Notifier struct {
	cfg      *config.NotifyConfig
	poolName string
	client   *http.Client
}

// NewNotifier creates a notifier
func NewNotifier(cfg *config.NotifyConfig, poolName string) *Notifier {
	return &Notifier{
		cfg:      cfg,
		poolName: poolName,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BlockFound announces a node-accepted block
func (n *Notifier) BlockFound(blockHash, finder string) {
	if !n.cfg.Enabled {
		return
	}
	msg := fmt.Sprintf("%s: block found!\nHash: %s\nFinder: %s", n.poolName, blockHash, finder)
	go n.deliver(msg)
}

// BlockOrphaned announces a block that turned red
func (n *Notifier) BlockOrphaned(blockHash string) {
	if !n.cfg.Enabled {
		return
	}
	msg := fmt.Sprintf("%s: block orphaned\nHash: %s", n.poolName, blockHash)
	go n.deliver(msg)
}

// PayoutSent announces a completed payout batch
func (n *Notifier) PayoutSent(txID string, outputs int, total uint64) {
	if !n.cfg.Enabled {
		return
	}
	msg := fmt.Sprintf("%s: payout sent\nTX: %s\nOutputs: %d\nTotal: %d sompi", n.poolName, txID, outputs, total)
	go n.deliver(msg)
}

// deliver sends the message to every configured webhook
func (n *Notifier) deliver(message string) {
	if n.cfg.DiscordURL != "" {
		n.postWithRetry(func() error { return n.postDiscord(message) }, "discord")
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		n.postWithRetry(func() error { return n.postTelegram(message) }, "telegram")
	}
}

func (n *Notifier) postWithRetry(post func() error, name string) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := post(); err == nil {
			return
		} else if attempt == maxRetries-1 {
			util.Warnf("%s notification failed after %d attempts: %v", name, maxRetries, err)
			return
		}
		time.Sleep(retryBaseDelay << attempt)
	}
}

func (n *Notifier) postDiscord(message string) error {
	payload, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return err
	}

	resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) postTelegram(message string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	form := url.Values{}
	form.Set("chat_id", n.cfg.TelegramChat)
	form.Set("text", message)

	resp, err := n.client.PostForm(endpoint, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram API returned %d", resp.StatusCode)
	}
	return nil
}
