package server

import "github.com/JakeFAU/site-analyzer/internal/submission"

func submitRequest(url string) submission.SubmitRequest {
	return submission.SubmitRequest{UserID: "user-1", URL: url}
}
