package store

// DML shared by both backends, written with ?-placeholders.
// The postgres implementation rewrites them with rewriteParams.
const (
	sqlInsertUser = `INSERT INTO users
		(id, username, password_hash, email, display_name, is_active, created_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectUserByID = `SELECT id, username, password_hash, email, display_name, is_active, created_at, last_login_at
		FROM users WHERE id = ?`

	sqlSelectUserByUsername = `SELECT id, username, password_hash, email, display_name, is_active, created_at, last_login_at
		FROM users WHERE username = ?`

	sqlUpdateLastLogin = `UPDATE users SET last_login_at = ? WHERE id = ?`

	sqlInsertSession = `INSERT INTO sessions (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlSelectSession = `SELECT id, user_id, title, created_at, updated_at
		FROM sessions WHERE id = ? AND user_id = ?`

	sqlListSessions = `SELECT id, user_id, title, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`

	sqlTouchSession = `UPDATE sessions SET updated_at = ? WHERE id = ? AND user_id = ?`

	sqlDeleteSession = `DELETE FROM sessions WHERE id = ? AND user_id = ?`

	sqlDeleteSessionMessages = `DELETE FROM messages WHERE session_id = ? AND user_id = ?`

	sqlInsertMessage = `INSERT INTO messages (id, session_id, user_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlListMessages = `SELECT id, session_id, user_id, role, content, created_at
		FROM messages WHERE session_id = ? AND user_id = ? ORDER BY created_at, id`

	sqlDeleteMessage = `DELETE FROM messages WHERE id = ? AND user_id = ?`

	sqlInsertDocument = `INSERT INTO documents
		(id, user_id, original_filename, storage_path, file_size, file_type,
		 page_count, chunk_count, status, error_message, vector_collection, upload_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectDocument = `SELECT id, user_id, original_filename, storage_path, file_size, file_type,
		page_count, chunk_count, status, error_message, vector_collection, upload_at
		FROM documents WHERE id = ? AND user_id = ? AND status != 'deleted'`

	sqlListDocuments = `SELECT id, user_id, original_filename, storage_path, file_size, file_type,
		page_count, chunk_count, status, error_message, vector_collection, upload_at
		FROM documents WHERE user_id = ? AND status != 'deleted' ORDER BY upload_at DESC`

	sqlMarkDocumentActive = `UPDATE documents
		SET status = 'active', chunk_count = ?, page_count = ?, error_message = ''
		WHERE id = ? AND user_id = ? AND status != 'deleted'`

	sqlMarkDocumentError = `UPDATE documents
		SET status = 'error', error_message = ?
		WHERE id = ? AND user_id = ? AND status != 'deleted'`

	sqlSoftDeleteDocument = `UPDATE documents SET status = 'deleted'
		WHERE id = ? AND user_id = ? AND status != 'deleted'`

	sqlHardDeleteDocument = `DELETE FROM documents WHERE id = ? AND user_id = ?`

	sqlInsertParent = `INSERT INTO parent_child_maps (user_id, doc_id, parent_id, content, metadata)
		VALUES (?, ?, ?, ?, ?)`

	sqlDeleteParentMap = `DELETE FROM parent_child_maps WHERE user_id = ? AND doc_id = ?`

	sqlSelectParentMapForUser = `SELECT parent_id, doc_id, content, metadata
		FROM parent_child_maps WHERE user_id = ?`

	sqlSelectUserStats = `SELECT user_id, document_count, total_chunks, storage_bytes, updated_at
		FROM user_stats WHERE user_id = ?`
)

// Stats upserts are additive and floor at zero. The flooring function is the
// one dialect difference (MAX vs GREATEST), so each backend carries its own.
const (
	sqliteUpsertStats = `INSERT INTO user_stats
		(user_id, document_count, total_chunks, storage_bytes, updated_at)
		VALUES (?, MAX(0, ?), MAX(0, ?), MAX(0, ?), ?)
		ON CONFLICT(user_id) DO UPDATE SET
			document_count = MAX(0, user_stats.document_count + ?),
			total_chunks   = MAX(0, user_stats.total_chunks + ?),
			storage_bytes  = MAX(0, user_stats.storage_bytes + ?),
			updated_at     = ?`

	postgresUpsertStats = `INSERT INTO user_stats
		(user_id, document_count, total_chunks, storage_bytes, updated_at)
		VALUES (?, GREATEST(0, ?), GREATEST(0, ?), GREATEST(0, ?), ?)
		ON CONFLICT(user_id) DO UPDATE SET
			document_count = GREATEST(0, user_stats.document_count + ?),
			total_chunks   = GREATEST(0, user_stats.total_chunks + ?),
			storage_bytes  = GREATEST(0, user_stats.storage_bytes + ?),
			updated_at     = ?`
)
