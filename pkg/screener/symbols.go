package screener

// DefaultSymbols is the screened USDT perpetual universe listed on both
// Binance and Bybit.
var DefaultSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"ADAUSDT", "DOGEUSDT", "AVAXUSDT", "DOTUSDT", "MATICUSDT",
	"LTCUSDT", "LINKUSDT", "UNIUSDT", "ATOMUSDT", "ETCUSDT",
	"XLMUSDT", "BCHUSDT", "NEARUSDT", "APTUSDT", "FILUSDT",
	"INJUSDT", "OPUSDT", "ARBUSDT", "SUIUSDT", "PEPEUSDT",
	"WLDUSDT", "FETUSDT", "RENDERUSDT", "IMXUSDT", "TAOUSDT",
	"STXUSDT", "HBARUSDT", "VETUSDT", "MKRUSDT", "GRTUSDT",
	"AAVEUSDT", "ICPUSDT", "LDOUSDT", "RUNEUSDT", "THETAUSDT",
	"FTMUSDT", "ALGOUSDT", "SANDUSDT", "AXSUSDT", "CRVUSDT",
	"MANAUSDT", "GALAUSDT", "APEUSDT", "DYDXUSDT",
}
