package orchestrator

import "strings"

var languageNames = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"mr": "Marathi",
}

// SupportedLanguage reports whether lang has a string table.
func SupportedLanguage(lang string) bool {
	_, ok := languageNames[lang]
	return ok
}

func languageName(lang string) string {
	if name, ok := languageNames[lang]; ok {
		return name
	}
	return languageNames["en"]
}

var uiStrings = map[string]map[string]string{
	"en": {
		"intro_title": "Crop Advisor",
		"intro_body":  "Send name, crop + stage, land, location. You can also upload a photo.",
		"help":        "Example: My name is Ramesh. Crop: rice, Stage: germination. Land: 2 acres. Location: Pune.\n/start /profile /reset /help /location",
		"profile":     "Copy+edit:\n\nMy name is ___\nCrop: ___\nStage: ___\nLand: ___ acres/hectare\nLocation: ___ (or 19.07,72.87)",
		"reset_ok":    "Session reset. Send your profile again.",
		"err_generic": "Error. Send: name + crop + stage + land + location.",
		"malformed":   "I could not read that message. Send text, a photo, or share your location.",
		"lang_saved":  "Language set to English.",

		"ask_location": "Location (city/village or lat,lon)?",
		"ask_crop":     "Pick one crop from the suggestions (reply: Crop: ___).",
		"ask_stage":    "Stage? (sowing/germination/vegetative/flowering/fruiting/maturity/harvest)",
		"ask_symptoms": "Symptoms: what you see + since how many days + irrigation frequency",

		"schemes_fail": "Schemes not available now. Set location + crop then try again.",
		"market_fail":  "Market snapshot not available now. Try again in a moment.",
		"buy_fail":     "No purchase links found right now. Try again in a moment.",
		"buy_crop":     "Set crop first (reply: Crop: rice) then tap Buy Inputs.",
		"buy_location": "Set location first (send city/village or share GPS), then tap Buy Inputs.",

		"btn_profile":   "Set Profile",
		"btn_location":  "Update Location",
		"btn_symptoms":  "Report Symptoms",
		"btn_crop_reco": "Crop Suggestions",
		"btn_buy":       "Buy Inputs",
		"btn_schemes":   "Govt Schemes",
		"btn_market":    "Market Prices",

		"sec_weather":  "Weather",
		"sec_do":       "Do now",
		"sec_watch":    "Watch",
		"sec_safety":   "Safety",
		"sec_schemes":  "Govt Schemes",
		"sec_market":   "Market Prices",
		"sec_buy":      "Buy Inputs",
		"sec_seeds":    "Seeds",
		"sec_fert":     "Fertilizer",
		"sec_protect":  "Crop protection",
		"sec_links":    "Links",
		"sec_conf":     "Conf",
		"sec_stale":    "cached",
		"digest_title": "Daily update",
		"market_note":  "Note: Web snapshot, confirm at your local mandi.",
		"buy_tip":      "Tip: compare prices + seller ratings.",
		"buy_watch":    "Avoid unknown sellers; check expiry date.",
		"escalation":   "This needs an expert look. Please contact your local agriculture officer or Krishi Vigyan Kendra soon.",
		"no_data":      "Live weather or web data was unavailable for this advice.",

		"stage_sowing":      "Sowing",
		"stage_germination": "Germination",
		"stage_vegetative":  "Vegetative",
		"stage_flowering":   "Flowering",
		"stage_fruiting":    "Fruiting",
		"stage_maturity":    "Maturity",
		"stage_harvest":     "Harvest",
	},
	"hi": {
		"intro_title": "कृषि मार्गदर्शक",
		"intro_body":  "नाम, फसल+चरण, जमीन, स्थान भेजें। फोटो अपलोड करें।",
		"help":        "उदाहरण: मेरा नाम रमेश। धान अंकुरण। 2 एकड़। पुणे।\n/start /profile /reset /help /location",
		"profile":     "कॉपी+एडिट:\n\nMy name is ___\nCrop: ___\nStage: ___\nLand: ___ acres/hectare\nLocation: ___ (या 19.07,72.87)",
		"reset_ok":    "सेशन रीसेट। प्रोफाइल फिर भेजें।",
		"err_generic": "त्रुटि। भेजें: नाम + फसल + चरण + जमीन + स्थान।",
		"malformed":   "संदेश समझ नहीं आया। टेक्स्ट, फोटो या लोकेशन भेजें।",
		"lang_saved":  "भाषा हिंदी सेट की गई।",

		"ask_location": "स्थान (गांव/शहर या lat,lon)?",
		"ask_crop":     "सुझाव से एक फसल चुनें (उत्तर: Crop: ___).",
		"ask_stage":    "चरण? (बुवाई/अंकुरण/वृद्धि/फूल/फल/पकना/कटाई)",
		"ask_symptoms": "लक्षण: क्या दिख रहा + कितने दिन + सिंचाई कितनी बार",

		"schemes_fail": "अभी योजना नहीं मिल रही। पहले स्थान + फसल सेट करें।",
		"market_fail":  "बाजार जानकारी अभी नहीं मिल रही। थोड़ी देर बाद कोशिश करें।",
		"buy_fail":     "अभी खरीद लिंक नहीं मिले। थोड़ी देर बाद कोशिश करें।",
		"buy_crop":     "पहले फसल सेट करें (उत्तर: Crop: rice), फिर खरीद लिंक दबाएँ।",
		"buy_location": "पहले स्थान सेट करें (गांव/शहर या GPS भेजें), फिर खरीद लिंक दबाएँ।",

		"btn_profile":   "प्रोफाइल सेट",
		"btn_location":  "स्थान अपडेट",
		"btn_symptoms":  "लक्षण रिपोर्ट",
		"btn_crop_reco": "फसल सुझाव",
		"btn_buy":       "खरीद लिंक",
		"btn_schemes":   "सरकारी योजनाएँ",
		"btn_market":    "बाजार भाव",

		"sec_weather":  "मौसम",
		"sec_do":       "अभी करें",
		"sec_watch":    "ध्यान रखें",
		"sec_safety":   "सुरक्षा",
		"sec_schemes":  "सरकारी योजनाएँ",
		"sec_market":   "बाजार भाव",
		"sec_buy":      "खरीद लिंक",
		"sec_seeds":    "बीज",
		"sec_fert":     "खाद",
		"sec_protect":  "फसल सुरक्षा",
		"sec_links":    "लिंक",
		"sec_conf":     "विश्वास",
		"sec_stale":    "पुराना डेटा",
		"digest_title": "दैनिक अपडेट",
		"market_note":  "नोट: वेब स्नैपशॉट, स्थानीय मंडी में पुष्टि करें।",
		"buy_tip":      "सुझाव: कीमत + विक्रेता रेटिंग की तुलना करें।",
		"buy_watch":    "अनजान विक्रेताओं से बचें; एक्सपायरी तारीख देखें।",
		"escalation":   "इसे विशेषज्ञ को दिखाना ज़रूरी है। जल्द अपने कृषि अधिकारी या कृषि विज्ञान केंद्र से संपर्क करें।",
		"no_data":      "इस सलाह के लिए मौसम या वेब जानकारी उपलब्ध नहीं थी।",

		"stage_sowing":      "बुवाई",
		"stage_germination": "अंकुरण",
		"stage_vegetative":  "वृद्धि",
		"stage_flowering":   "फूल",
		"stage_fruiting":    "फल",
		"stage_maturity":    "पकना",
		"stage_harvest":     "कटाई",
	},
	"mr": {
		"intro_title": "कृषी मार्गदर्शक",
		"intro_body":  "नाव, पीक+अवस्था, जमीन, ठिकाण पाठवा. फोटो अपलोड करा.",
		"help":        "उदा: माझं नाव रमेश. भात अंकुरण. 2 एकर. पुणे.\n/start /profile /reset /help /location",
		"profile":     "कॉपी+एडिट:\n\nMy name is ___\nCrop: ___\nStage: ___\nLand: ___ acres/hectare\nLocation: ___ (किंवा 19.07,72.87)",
		"reset_ok":    "सेशन रीसेट. प्रोफाइल पुन्हा पाठवा.",
		"err_generic": "त्रुटी. पाठवा: नाव + पीक + अवस्था + जमीन + ठिकाण.",
		"malformed":   "संदेश समजला नाही. मजकूर, फोटो किंवा लोकेशन पाठवा.",
		"lang_saved":  "भाषा मराठी सेट केली.",

		"ask_location": "ठिकाण (गाव/शहर किंवा lat,lon)?",
		"ask_crop":     "सुचनांमधून एक पीक निवडा (उत्तर: Crop: ___).",
		"ask_stage":    "अवस्था? (पेरणी/अंकुरण/वाढ/फुलोरा/फळ/पक्वता/कापणी)",
		"ask_symptoms": "लक्षणं: काय दिसतं + किती दिवस + पाणी किती वेळा",

		"schemes_fail": "आत्ता योजना मिळत नाहीत. आधी ठिकाण + पीक सेट करा.",
		"market_fail":  "बाजार माहिती आत्ता मिळत नाही. थोड्या वेळाने प्रयत्न करा.",
		"buy_fail":     "आत्ता खरेदी लिंक मिळाल्या नाहीत. थोड्या वेळाने प्रयत्न करा.",
		"buy_crop":     "आधी पीक सेट करा (उत्तर: Crop: rice), मग खरेदी लिंक दाबा.",
		"buy_location": "आधी ठिकाण सेट करा (गाव/शहर किंवा GPS पाठवा), मग खरेदी लिंक दाबा.",

		"btn_profile":   "प्रोफाइल सेट",
		"btn_location":  "ठिकाण अपडेट",
		"btn_symptoms":  "लक्षणं रिपोर्ट",
		"btn_crop_reco": "पीक सुचना",
		"btn_buy":       "खरेदी लिंक",
		"btn_schemes":   "सरकारी योजना",
		"btn_market":    "बाजार भाव",

		"sec_weather":  "हवामान",
		"sec_do":       "आत्ता करा",
		"sec_watch":    "पहा",
		"sec_safety":   "सुरक्षा",
		"sec_schemes":  "सरकारी योजना",
		"sec_market":   "बाजार भाव",
		"sec_buy":      "खरेदी लिंक",
		"sec_seeds":    "बियाणे",
		"sec_fert":     "खत",
		"sec_protect":  "पीक संरक्षण",
		"sec_links":    "लिंक्स",
		"sec_conf":     "विश्वास",
		"sec_stale":    "जुनी माहिती",
		"digest_title": "दैनिक अपडेट",
		"market_note":  "नोट: वेब स्नॅपशॉट, स्थानिक मंडीत पडताळा.",
		"buy_tip":      "टीप: किंमत + विक्रेता रेटिंग तुलना करा.",
		"buy_watch":    "अनोळखी विक्रेते टाळा; एक्सपायरी तारीख तपासा.",
		"escalation":   "यासाठी तज्ञांची गरज आहे. लवकर आपल्या कृषी अधिकाऱ्याशी किंवा कृषी विज्ञान केंद्राशी संपर्क करा.",
		"no_data":      "या सल्ल्यासाठी हवामान किंवा वेब माहिती उपलब्ध नव्हती.",

		"stage_sowing":      "पेरणी",
		"stage_germination": "अंकुरण",
		"stage_vegetative":  "वाढ",
		"stage_flowering":   "फुलोरा",
		"stage_fruiting":    "फळ",
		"stage_maturity":    "पक्वता",
		"stage_harvest":     "कापणी",
	},
}

// ui looks up key for lang, falling back to English.
func ui(lang, key string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if table, ok := uiStrings[lang]; ok {
		if s, ok := table[key]; ok {
			return s
		}
	}
	return uiStrings["en"][key]
}
