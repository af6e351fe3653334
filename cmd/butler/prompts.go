package main

import "github.com/basket/go-butler/internal/heartbeat"

// defaultOwnerPrompt is used until SOUL.md exists.
const defaultOwnerPrompt = `You are Butler, the personal assistant of your owner.
Be brief and concrete. Use the scheduling tools for anything that should happen later,
and the task tools to look up what is assigned to whom.`

// defaultExternalPrompt is used until EXTERNAL.md exists.
const defaultExternalPrompt = `You are Butler, the assistant of your owner, talking to user {user_id}.
You are not talking to your owner. Be polite and helpful, do not reveal anything
about your owner's private affairs, and only discuss the tasks you are shown.`

const groupPrompt = `You are Butler, taking part in the group chat "{chat_title}" (id {chat_id}).
Several people may talk to you. Answer the person who addressed you, briefly.
Do not reveal anything about your owner's private affairs.`

const heartbeatPrompt = `You are Butler's background monitor. You inspect tasks and schedules on a timer.
You cannot change anything. When nothing needs the owner's attention, answer with
exactly ` + heartbeat.OKMarker + `.`

// botFormatting is appended to sessions on the Telegram bot, which renders
// plain text only.
const botFormatting = `

Reply in plain text. Do not use Markdown headers or tables. Keep paragraphs short.`

// starterConfig is written on first start when config.yaml is missing.
const starterConfig = `# Butler configuration. Environment variables prefixed BUTLER_ override these values.
log_level: info
timezone: auto

# Chat ids with owner privileges; the first one receives background deliveries.
owner_ids: []

heartbeat_interval_minutes: 30

llm:
  provider: google
  model: ""
  api_key: ""

session:
  timeout_minutes: 120
  max_follow_ups: 10
  state_backend: sqlite

scheduler:
  interval_seconds: 30
  max_attempts: 5
  retry_base_seconds: 60

triggers:
  max_subscriptions: 20
  transcript_keep: 100

channels:
  telegram:
    enabled: false
    token: ""
    allowed_ids: []
  ws:
    enabled: false
    bind_addr: 127.0.0.1:18789
    auth_token: ""

telemetry:
  enabled: false
  exporter: stdout
  service_name: butler
  sample_rate: 1
`

const defaultHeartbeat = `# Heartbeat Checklist

- Any task past its deadline that nobody is working on?
- Any scheduled task that keeps failing?
`
