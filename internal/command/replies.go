package command

import "fmt"

// Reply texts carried in Text and Error frames. Clients match on some of
// them, so they are part of the protocol.
const (
	ReplyUploaded           = "File uploaded successfully"
	ReplyUploadFailed       = "File upload failed"
	ReplyRemoved            = "File removed successfully"
	ReplyRemoveFailed       = "Error removing file"
	ReplyNotFound           = "file not found"
	ReplyNoPath             = "path does not exist"
	ReplyListFailed         = "Error listing files in the specified directory."
	ReplyNoFiles            = "No files found in the specified directory."
	ReplyListTooLarge       = "Directory listing too large"
	ReplyUnknown            = "Unknown command"
	ReplyMalformed          = "Invalid command syntax"
	ReplyBadExtension       = "Invalid file extension"
	ReplyUnsupportedArchive = "Unsupported file type for archive"
	ReplyArchiveFailed      = "Error creating tar file"
	ReplyPong               = "pong"
)

// ReplyNoArchiveFiles is the reason sent when an archive request matches
// nothing.
func ReplyNoArchiveFiles(ext string) string {
	return fmt.Sprintf("No %s files found to create tar archive", ext)
}

// ReplyUnreachable is the reason sent when the owning node cannot be dialed.
func ReplyUnreachable(category string) string {
	return fmt.Sprintf("Error connecting to %s server", category)
}
