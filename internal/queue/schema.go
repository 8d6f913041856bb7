package queue

// Schema contains the SQL schema for the mail queue
const Schema = `
-- Mail queue table
CREATE TABLE IF NOT EXISTS mail_queue (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    status TEXT NOT NULL DEFAULT 'pending',
    priority INTEGER NOT NULL DEFAULT 0,
    sender TEXT,
    reply_to TEXT,
    recipients TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL,
    attachments TEXT NOT NULL,
    queued_time TEXT NOT NULL,
    update_time TEXT,
    sent_time TEXT,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    requested_account TEXT NOT NULL DEFAULT '',
    sent_via TEXT NOT NULL DEFAULT ''
);

-- Indexes for pending scans and rate-history queries
CREATE INDEX IF NOT EXISTS idx_mail_queue_status ON mail_queue(status);
CREATE INDEX IF NOT EXISTS idx_mail_queue_priority_queued ON mail_queue(priority, queued_time);
CREATE INDEX IF NOT EXISTS idx_mail_queue_sent_via ON mail_queue(sent_via, status, sent_time);
`
