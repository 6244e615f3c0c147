package core

// prompts.go collects every text the bot says.  Keeping the wording in one
// place makes it easy to tweak without touching the dispatch logic.

const (
	// Greeting opens every new conversation.
	Greeting = "Hello! How can I assist you today?"

	// ReportCommand is the input that asks for a PDF report of the session.
	// It is matched case-insensitively against the whole trimmed input.
	ReportCommand = "generate report"

	// NoPrediction is sent to the report service when no X-ray has been
	// analysed yet.
	NoPrediction = "No prediction"

	// ReportFilename is the download name offered for generated reports.
	ReportFilename = "health_report.pdf"

	UsernameRequestMessage = "Please enter your name before generating the report."
	// UsernameSavedMessage is formatted with the captured name.
	UsernameSavedMessage = `Thank you, %s! Now, type "generate report" again.`

	ReportReadyMessage    = "Report generated successfully! Click below to download:"
	ReportRejectedMessage = "Failed to generate report."
	ReportErrorMessage    = "Could not generate report. Please try again later."

	InvalidSelectionMessage = "Invalid selection. Please enter a valid number."
	// DoctorSelectedMessage is formatted with the confirmed doctor's name and
	// location.
	DoctorSelectedMessage        = "Doctor Selected:\n%s\n%s\nType \"generate report\" to include this doctor in your PDF."
	DoctorSelectionFailedMessage = "Doctor selection failed. Please try again."
	DoctorSelectErrorMessage     = "Failed to select doctor."

	RelayErrorMessage = "Failed to communicate with the chatbot."

	SearchingDoctorsMessage = "Searching for nearby doctors..."
	NearbyDoctorsHeader     = "Nearby Doctors:"
	DoctorSelectionPrompt   = "Type a number (e.g., 1) to select a doctor."
	NoDoctorsMessage        = "No doctors found nearby."
	DoctorsErrorMessage     = "Could not fetch doctors. Please try again later."
	LocationDeniedMessage   = "Unable to fetch location. Please enable location services."

	UploadingMessage     = "Uploading X-ray, please wait..."
	ProcessingMessage    = "Processing X-ray... Please wait for the results."
	NotAnImageMessage    = "Please upload an image file (PNG, JPEG, ...)."
	NoDiseaseMessage     = "No disease detected. Try another image."
	AnalysisErrorMessage = "An error occurred while analyzing the X-ray."
	// DiseaseDetectedMessage is formatted with the predicted label.
	DiseaseDetectedMessage = "X-ray analysis complete! Disease Detected: **%s**"
)
