package core

import (
	"context"
	"fmt"

	"github.com/h2non/filetype"

	"xray-chatbot/pkg"
)

// AnalyzeImage sends an uploaded X-ray to the prediction service and stores
// the detected disease.  Empty uploads are ignored and anything that does
// not sniff as an image is refused without contacting the service.
func (c *Conversation) AnalyzeImage(ctx context.Context, upload Upload) []pkg.Message {
	if len(upload.Data) == 0 {
		return nil
	}
	t := &turn{}
	if !filetype.IsImage(upload.Data) {
		c.mu.Lock()
		c.appendLocked(t, pkg.SenderBot, NotAnImageMessage)
		c.mu.Unlock()
		return t.messages
	}

	c.mu.Lock()
	c.appendLocked(t, pkg.SenderUser, UploadingMessage)
	c.appendLocked(t, pkg.SenderBot, ProcessingMessage)
	c.mu.Unlock()

	prediction, err := c.deps.Predictor.Predict(ctx, upload)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Str("filename", upload.Filename).Msg("prediction failed")
		c.appendLocked(t, pkg.SenderBot, AnalysisErrorMessage)
	case prediction == nil || prediction.Disease == "":
		c.appendLocked(t, pkg.SenderBot, NoDiseaseMessage)
	default:
		disease := prediction.Disease
		c.predictedDisease = &disease
		text := fmt.Sprintf(DiseaseDetectedMessage, disease)
		if prediction.Confidence > 0 {
			text += fmt.Sprintf(" (confidence %.2f%%)", prediction.Confidence)
		}
		c.appendLocked(t, pkg.SenderBot, text)
	}
	return t.messages
}
