package db

// One row per evaluation. The six output columns are the verifier's tuple
// in order; commitment is the receipt commitment over that tuple plus
// eth_address.
const schema = `
CREATE TABLE IF NOT EXISTS verifications (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,           -- "prove", "evaluate" or a batch file path
    message_id TEXT,
    subject TEXT,
    sender TEXT,
    eth_address TEXT NOT NULL,
    signing_domain TEXT,
    selector TEXT,
    algo TEXT,
    body_verified BOOLEAN NOT NULL DEFAULT 0,
    signature_verified BOOLEAN NOT NULL DEFAULT 0,
    from_address_verified BOOLEAN NOT NULL DEFAULT 0,
    subject_marker_verified BOOLEAN NOT NULL DEFAULT 0,
    extracted_claim TEXT NOT NULL DEFAULT '',
    claim_proven BOOLEAN NOT NULL DEFAULT 0,
    commitment TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

-- Full-text search virtual table
CREATE VIRTUAL TABLE IF NOT EXISTS verifications_fts USING fts5(
    extracted_claim,
    sender,
    eth_address,
    subject,
    signing_domain,
    content='verifications',
    content_rowid='rowid'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS verifications_ai AFTER INSERT ON verifications BEGIN
    INSERT INTO verifications_fts(rowid, extracted_claim, sender, eth_address, subject, signing_domain)
    VALUES (new.rowid, new.extracted_claim, new.sender, new.eth_address, new.subject, new.signing_domain);
END;

CREATE TRIGGER IF NOT EXISTS verifications_ad AFTER DELETE ON verifications BEGIN
    INSERT INTO verifications_fts(verifications_fts, rowid, extracted_claim, sender, eth_address, subject, signing_domain)
    VALUES ('delete', old.rowid, old.extracted_claim, old.sender, old.eth_address, old.subject, old.signing_domain);
END;

-- Settings table
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_verifications_created_at ON verifications(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_verifications_source ON verifications(source);
CREATE INDEX IF NOT EXISTS idx_verifications_claim ON verifications(extracted_claim);
`
