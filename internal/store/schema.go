package store

// Schema contains SQL schema definitions for the local mirror
const Schema = `
-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Folders table. total_count and unseen_count are derived values,
-- recomputed from the emails table after every membership mutation.
CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    path TEXT NOT NULL,
    delimiter TEXT NOT NULL DEFAULT '/',
    special_use TEXT NOT NULL DEFAULT 'none',
    selectable INTEGER NOT NULL DEFAULT 1,
    total_count INTEGER NOT NULL DEFAULT 0,
    unseen_count INTEGER NOT NULL DEFAULT 0,
    last_synced DATETIME,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, path)
);

-- Emails table. uid is signed: negative values are temporary UIDs minted
-- for local-only moves, replaced once the remote move confirms.
CREATE TABLE IF NOT EXISTS emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    folder_id INTEGER NOT NULL,
    uid INTEGER NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    subject TEXT,
    sender_name TEXT,
    sender_email TEXT,
    recipients TEXT,
    date DATETIME NOT NULL,
    flags TEXT NOT NULL DEFAULT '[]',
    seen INTEGER NOT NULL DEFAULT 0,
    has_attachment INTEGER NOT NULL DEFAULT 0,
    body_ref INTEGER,
    sync_status TEXT NOT NULL DEFAULT 'synced',
    cached_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE,
    UNIQUE(folder_id, uid)
);

-- Cached message bodies, referenced by emails.body_ref
CREATE TABLE IF NOT EXISTS bodies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    body_text TEXT,
    body_html TEXT
);

-- Full-text search index over cached body text
CREATE VIRTUAL TABLE IF NOT EXISTS bodies_fts USING fts5(
    body_text,
    content='bodies',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS bodies_fts_insert AFTER INSERT ON bodies BEGIN
    INSERT INTO bodies_fts(rowid, body_text) VALUES (new.id, new.body_text);
END;

-- Durable operation queue. Rows survive restarts; done operations are
-- deleted, failed ones are kept until explicit cleanup.
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account TEXT NOT NULL,
    kind TEXT NOT NULL,
    folder_path TEXT NOT NULL,
    target_folder TEXT,
    uids TEXT NOT NULL,
    flags TEXT,
    original_data TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'queued',
    last_error TEXT,
    not_before DATETIME,
    enqueued_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Create indexes for faster queries
CREATE INDEX IF NOT EXISTS idx_emails_account_id ON emails(account_id);
CREATE INDEX IF NOT EXISTS idx_emails_folder_id ON emails(folder_id);
CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);
CREATE INDEX IF NOT EXISTS idx_emails_sender_email ON emails(sender_email);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
CREATE INDEX IF NOT EXISTS idx_emails_sync_status ON emails(sync_status);
CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
CREATE INDEX IF NOT EXISTS idx_operations_account_folder ON operations(account, folder_path);
`
